package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NetEase-Media/grps/internal/inferer"
	"github.com/NetEase-Media/grps/internal/monitor"
	"github.com/NetEase-Media/grps/internal/serving"
)

type daemonEchoInferer struct{}

func (e *daemonEchoInferer) Init(path, device string, args map[string]interface{}) error { return nil }
func (e *daemonEchoInferer) Load() error                                                 { return nil }

func (e *daemonEchoInferer) Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error) {
	return inp, nil
}

func (e *daemonEchoInferer) BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error) {
	return inp, nil
}

func init() {
	inferer.Register("daemon_echo", func() inferer.ModelInferer { return &daemonEchoInferer{} })
}

const serverYml = `interface:
  framework: http
  host: 0.0.0.0
  port: 17080
max_connections: 16
max_concurrency: 4
log:
  log_dir: logs
  log_backup_count: 1
`

const inferenceYml = `models:
  - name: echo
    version: "1"
    device: cpu
    inferer_type: customized
    inferer_name: daemon_echo
    inferer_path: models/echo
dag:
  type: sequential
  name: pipeline
  nodes:
    - name: node_echo
      type: model
      model: echo-1
`

func writeDeployment(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conf", "server.yml"), []byte(serverYml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conf", "inference.yml"), []byte(inferenceYml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestNewBootsAndDumpsProcessFiles(t *testing.T) {
	dir := writeDeployment(t)
	d, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.stop()

	for _, name := range []string{"PID", "VERSION"} {
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s file: %v", name, err)
		}
		if len(body) == 0 {
			t.Errorf("%s file is empty", name)
		}
	}
	if d.Conf.HTTPPort != 17080 {
		t.Fatalf("HTTPPort = %d", d.Conf.HTTPPort)
	}
	if d.rpcSrv != nil {
		t.Fatal("rpc server built for plain http framework")
	}

	// The well-known metric names are seeded at bootstrap.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Monitor.Read(monitor.MetricQPS); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("seeded metric never appeared")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewFailsWithoutConf(t *testing.T) {
	if _, err := New(t.TempDir()); err == nil {
		t.Fatal("New succeeded without configuration")
	}
}
