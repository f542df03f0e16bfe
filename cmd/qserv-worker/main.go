// Command qserv-worker is a worker process entrypoint: it
// wires libraries/workersvc's typed request server and libraries/fileserver's
// raw file-streaming server onto one shared on-disk replica store, and runs
// both to completion under libraries/svcs.Controller until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/argparser"
	"github.com/lsst/qserv-sub021/libraries/config"
	"github.com/lsst/qserv-sub021/libraries/fileserver"
	"github.com/lsst/qserv-sub021/libraries/svcs"
	"github.com/lsst/qserv-sub021/libraries/workersvc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func newParser() *argparser.ArgParser {
	ap := argparser.NewArgParserWithMaxArgs("qserv-worker", 0)
	ap.SupportsString("config", "c", "url", "serviceProvider configuration URL (default file:replication.cfg)")
	ap.SupportsString("instance-id", "", "id", "Qserv instance id, must match every peer process")
	ap.SupportsString("listen-addr", "", "addr", "request server listen address (default :25002)")
	ap.SupportsString("file-listen-addr", "", "addr", "file server listen address (default :25003)")
	ap.SupportsString("data-dir", "d", "path", "worker data directory holding chunk files")
	ap.SupportsString("index-dir", "", "path", "directory holding director-index extracts")
	ap.SupportsString("mysql-dsn", "", "dsn", "go-sql-driver/mysql DSN for the worker's local MySQL instance")
	ap.SupportsList("databases", "", "names", "databases this worker recognizes at startup")
	ap.SupportsInt("send-buffer-size", "", "bytes", "file server send buffer size (default 1 MiB)")
	ap.SupportsInt("fetch-timeout", "", "seconds", "dial timeout when pulling a chunk from another worker")
	return ap
}

func run(argv []string) int {
	ap := newParser()
	res, err := ap.Parse(argv)
	if err != nil {
		if err == argparser.ErrHelp {
			fmt.Print(ap.Usage())
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, ap.Usage())
		return 1
	}

	log := logrus.WithField("component", "qserv-worker")

	configURL := res.GetValueOrDefault("config", "file:replication.cfg")
	fileCfg, err := config.ResolveServiceProvider(configURL)
	if err != nil {
		log.WithError(err).Error("qserv-worker: read serviceProvider config")
		return 1
	}
	flagCfg := config.MapConfig{}
	if v, ok := res.GetValue("instance-id"); ok {
		flagCfg["instanceId"] = v
	}
	if v, ok := res.GetValue("data-dir"); ok {
		flagCfg["dataDir"] = v
	}
	hier := config.NewConfigHierarchy(flagCfg, fileCfg)

	instanceID := hier.GetStringOrDefault("instanceId", "")
	dataDir := hier.GetStringOrDefault("dataDir", "./qserv-worker-data")
	indexDir := res.GetValueOrDefault("index-dir", "./qserv-worker-index")
	listenAddr := res.GetValueOrDefault("listen-addr", ":25002")
	fileListenAddr := res.GetValueOrDefault("file-listen-addr", ":25003")
	fetchTimeout := time.Duration(res.GetIntOrDefault("fetch-timeout", 30)) * time.Second

	var databases []string
	if v, ok := res.GetValue("databases"); ok && v != "" {
		databases = splitCSV(v)
	}

	store, err := workersvc.NewFileStore(dataDir, databases, fetchTimeout)
	if err != nil {
		log.WithError(err).Error("qserv-worker: open data directory")
		return 1
	}

	var sqlExec workersvc.SQLExecutor
	if dsn, ok := res.GetValue("mysql-dsn"); ok && dsn != "" {
		exec, err := workersvc.NewMySQLExecutor(dsn)
		if err != nil {
			log.WithError(err).Error("qserv-worker: open mysql")
			return 1
		}
		defer exec.Close()
		sqlExec = exec
	}

	var indexSource workersvc.IndexSource
	if indexDir != "" {
		indexSource = workersvc.NewFileIndexSource(indexDir)
	}

	requestServer := workersvc.New(workersvc.Config{ListenAddr: listenAddr, InstanceID: instanceID}, store, sqlExec, indexSource)

	sendBufSize := res.GetIntOrDefault("send-buffer-size", fileserver.DefaultSendBufferSize)
	fileStore := fileserver.NewDirStore(store.Root())
	fileSrv := fileserver.New(fileserver.Config{ListenAddr: fileListenAddr, InstanceID: instanceID, SendBufferSize: sendBufSize}, fileStore)

	svcCtrl := svcs.NewController()
	if err := svcCtrl.Register(requestServer); err != nil {
		log.WithError(err).Error("qserv-worker: register request server")
		return 1
	}
	if err := svcCtrl.Register(fileSrv); err != nil {
		log.WithError(err).Error("qserv-worker: register file server")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("qserv-worker: shutting down")
		svcCtrl.Stop()
	}()

	log.WithFields(logrus.Fields{
		"instanceId":     instanceID,
		"listenAddr":     listenAddr,
		"fileListenAddr": fileListenAddr,
		"dataDir":        dataDir,
	}).Info("qserv-worker: starting")

	if err := svcCtrl.Start(context.Background()); err != nil {
		log.WithError(err).Error("qserv-worker: exited with error")
		return 1
	}
	log.Info("qserv-worker: stopped")
	return 0
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
