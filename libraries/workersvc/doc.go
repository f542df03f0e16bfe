// Package workersvc hosts the per-worker typed request server: the half of
// the worker protocol that answers Replicate, Delete, Find, FindAll, Echo,
// Index, and SQL-family requests, plus the Stop/Status/Dispose and
// service-suspend/resume/status management triad. The
// companion raw file-streaming protocol lives in libraries/fileserver.
package workersvc
