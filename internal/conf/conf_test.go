package conf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validServerYml = `interface:
  framework: http+grpc
  host: 0.0.0.0
  port: 7080,7081
max_connections: 100
max_concurrency: 32
log:
  log_dir: logs
  log_backup_count: 7
`

const validInferenceYml = `models:
  - name: my_model
    version: "1.0.0"
    device: cuda:0
    inferer_type: torch
    inferer_path: models/my_model.pt
    converter_type: torch
    batching:
      type: dynamic
      max_batch_size: 16
      batch_timeout_us: 2000
dag:
  type: sequential
  name: pipeline
  nodes:
    - name: node_1
      type: model
      model: my_model-1.0.0
`

func writeConf(t *testing.T, serverYml, inferenceYml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ServerConfPath), []byte(serverYml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, InferenceConfPath), []byte(inferenceYml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadValidConf(t *testing.T) {
	dir := writeConf(t, validServerYml, validInferenceYml)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPPort != 7080 || c.RPCPort != 7081 {
		t.Fatalf("ports = %d, %d", c.HTTPPort, c.RPCPort)
	}
	if len(c.Inference.Models) != 1 || c.Inference.Models[0].Key() != "my_model-1.0.0" {
		t.Fatalf("models = %+v", c.Inference.Models)
	}
	if c.Inference.Models[0].Batching == nil || c.Inference.Models[0].Batching.MaxBatchSize != 16 {
		t.Fatalf("batching = %+v", c.Inference.Models[0].Batching)
	}
	if c.MetadataText() != validInferenceYml+"\n"+validServerYml {
		t.Fatal("metadata text does not concatenate the raw documents")
	}
}

func TestLoadRejectsReservedCustomPath(t *testing.T) {
	serverYml := strings.Replace(validServerYml, "interface:\n",
		"interface:\n  customized_predict_http:\n    path: /grps/v1/infer/predict\n", 1)
	dir := writeConf(t, serverYml, validInferenceYml)
	_, err := Load(dir)
	if err == nil {
		t.Fatal("reserved customized path accepted")
	}
	if !strings.Contains(err.Error(), "/grps/v1/infer/predict") {
		t.Fatalf("error does not name the path: %v", err)
	}
}

func TestLoadRejectsBrpcFramework(t *testing.T) {
	serverYml := strings.Replace(validServerYml, "http+grpc", "http+brpc", 1)
	dir := writeConf(t, serverYml, validInferenceYml)
	if _, err := Load(dir); err == nil {
		t.Fatal("http+brpc accepted")
	}
}

func TestLoadRejectsBadPortCount(t *testing.T) {
	serverYml := strings.Replace(validServerYml, "port: 7080,7081", "port: 7080", 1)
	dir := writeConf(t, serverYml, validInferenceYml)
	if _, err := Load(dir); err == nil {
		t.Fatal("http+grpc with one port accepted")
	}
}

func TestLoadRejectsDuplicateModelKey(t *testing.T) {
	inferenceYml := strings.Replace(validInferenceYml, "dag:",
		`  - name: my_model
    version: "1.0.0"
    device: cpu
    inferer_type: torch
    inferer_path: models/other.pt
dag:`, 1)
	dir := writeConf(t, validServerYml, inferenceYml)
	err := loadErr(dir)
	if err == nil {
		t.Fatal("duplicate model key accepted")
	}
	if !strings.Contains(err.Error(), "my_model-1.0.0") {
		t.Fatalf("error does not name the key: %v", err)
	}
}

func loadErr(dir string) error {
	_, err := Load(dir)
	return err
}

func TestLoadRejectsDagWithUnknownModel(t *testing.T) {
	inferenceYml := strings.Replace(validInferenceYml, "model: my_model-1.0.0", "model: missing-1", 1)
	dir := writeConf(t, validServerYml, inferenceYml)
	err := loadErr(dir)
	if err == nil {
		t.Fatal("dag node with unknown model accepted")
	}
	if !strings.Contains(err.Error(), "missing-1") {
		t.Fatalf("error does not name the model: %v", err)
	}
}

func TestLoadRejectsGraphDag(t *testing.T) {
	inferenceYml := strings.Replace(validInferenceYml, "type: sequential", "type: graph", 1)
	dir := writeConf(t, validServerYml, inferenceYml)
	if err := loadErr(dir); err == nil {
		t.Fatal("graph dag accepted")
	}
}

func TestLoadRejectsOriginalDeviceWithoutInpDevice(t *testing.T) {
	inferenceYml := strings.Replace(validInferenceYml, "device: cuda:0", "device: original", 1)
	dir := writeConf(t, validServerYml, inferenceYml)
	if err := loadErr(dir); err == nil {
		t.Fatal("original device without inp_device accepted")
	}
}

func TestLoadRejectsConcurrencyAboveConnections(t *testing.T) {
	serverYml := strings.Replace(validServerYml, "max_concurrency: 32", "max_concurrency: 200", 1)
	dir := writeConf(t, serverYml, validInferenceYml)
	if err := loadErr(dir); err == nil {
		t.Fatal("max_concurrency above max_connections accepted")
	}
}

func TestModelMetadataLookup(t *testing.T) {
	dir := writeConf(t, validServerYml, validInferenceYml)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	meta, ok := c.ModelMetadata("my_model")
	if !ok || !strings.Contains(meta, "my_model") {
		t.Fatalf("metadata = %q, ok = %v", meta, ok)
	}
	if _, ok := c.ModelMetadata("nope"); ok {
		t.Fatal("unknown model returned metadata")
	}
}
