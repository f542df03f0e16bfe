package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// nodesKey is the catalog subtree worker nodes are cataloged under.
const nodesKey = "/NODES"

// nodeFields is how one WorkerNode's scalar fields are laid out under
// /NODES/<name>/.
func nodeFields(name string) (typeKey, hostKey, portKey, stateKey, dataDirKey string) {
	base := nodesKey + "/" + name
	return base + "/type", base + "/host", base + "/port", base + "/state", base + "/dataDir"
}

// PutWorker catalogs (or updates) one worker node.
func (s *Store) PutWorker(w chunk.WorkerNode) error {
	if w.Name == "" {
		return qerrors.InvalidArgument.New("catalog: worker name must not be empty")
	}
	typeKey, hostKey, portKey, stateKey, dataDirKey := nodeFields(w.Name)
	for k, v := range map[string]string{
		typeKey:    w.Type,
		hostKey:    w.Host,
		portKey:    strconv.Itoa(w.Port),
		stateKey:   string(w.State),
		dataDirKey: w.DataDir,
	} {
		if err := s.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// GetWorker reads back a single cataloged worker node.
func (s *Store) GetWorker(name string) (chunk.WorkerNode, error) {
	typeKey, hostKey, portKey, stateKey, dataDirKey := nodeFields(name)
	vals := s.GetMany([]string{typeKey, hostKey, portKey, stateKey, dataDirKey})
	if len(vals) == 0 {
		return chunk.WorkerNode{}, qerrors.NotFound.New(fmt.Sprintf("catalog: no such worker '%s'", name))
	}
	port, _ := strconv.Atoi(vals[portKey])
	return chunk.WorkerNode{
		Name:    name,
		Type:    vals[typeKey],
		Host:    vals[hostKey],
		Port:    port,
		State:   chunk.WorkerState(vals[stateKey]),
		DataDir: vals[dataDirKey],
	}, nil
}

// ListWorkers returns every cataloged worker node.
func (s *Store) ListWorkers() ([]chunk.WorkerNode, error) {
	names, err := s.GetChildren(nodesKey)
	if err != nil {
		return nil, err
	}
	out := make([]chunk.WorkerNode, 0, len(names))
	for _, n := range names {
		if strings.HasSuffix(n, packedSuffix) {
			continue
		}
		w, err := s.GetWorker(n)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// ResolveWorker implements controller.WorkerResolver directly against the
// catalog, so the Controller can validate "worker known" and find its
// request-protocol endpoint without any component but the catalog owning
// the node list.
func (s *Store) ResolveWorker(name string) (controller.WorkerAddr, bool) {
	w, err := s.GetWorker(name)
	if err != nil {
		return controller.WorkerAddr{}, false
	}
	return controller.WorkerAddr{Host: w.Host, Port: w.Port}, true
}
