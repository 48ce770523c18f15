// Package conf loads and validates the two GRPS configuration documents
// (conf/inference.yml and conf/server.yml) and exposes typed views of them.
// Validation failures are fatal: the daemon must abort before opening sockets.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixed relative paths of the two configuration documents.
const (
	InferenceConfPath = "conf/inference.yml"
	ServerConfPath    = "conf/server.yml"
)

// ─── Server configuration ───────────────────────────────────────────────────

// StreamingCtrlConf controls how the HTTP surface detects a streaming request.
type StreamingCtrlConf struct {
	CtrlMode       string `yaml:"ctrl_mode"`
	CtrlKey        string `yaml:"ctrl_key"`
	ResContentType string `yaml:"res_content_type"`
}

// CustomizedPredictHTTPConf registers a user path aliasing /infer/predict.
type CustomizedPredictHTTPConf struct {
	Path           string             `yaml:"path"`
	CustomizedBody bool               `yaml:"customized_body"`
	StreamingCtrl  *StreamingCtrlConf `yaml:"streaming_ctrl"`
}

// InterfaceConf selects the transports and their bind points.
type InterfaceConf struct {
	Framework             string                     `yaml:"framework"`
	Host                  string                     `yaml:"host"`
	Port                  string                     `yaml:"port"`
	CustomizedPredictHTTP *CustomizedPredictHTTPConf `yaml:"customized_predict_http"`
}

// GpuConf configures GPU sampling, the optional memory limit and periodic GC.
type GpuConf struct {
	MemManagerType string `yaml:"mem_manager_type"`
	MemLimitMib    int    `yaml:"mem_limit_mib"`
	MemGcEnable    bool   `yaml:"mem_gc_enable"`
	MemGcInterval  int    `yaml:"mem_gc_interval"`
	Devices        []int  `yaml:"devices"`
}

// LogConf configures the log directory and rotation retention.
type LogConf struct {
	LogDir         string `yaml:"log_dir"`
	LogBackupCount int    `yaml:"log_backup_count"`
}

// ServerConf is the typed view of conf/server.yml.
type ServerConf struct {
	Interface      InterfaceConf `yaml:"interface"`
	MaxConnections int           `yaml:"max_connections"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Gpu            *GpuConf      `yaml:"gpu"`
	Log            LogConf       `yaml:"log"`
}

// ─── Inference configuration ────────────────────────────────────────────────

// BatchingConf enables request coalescing for one model.
type BatchingConf struct {
	Type           string `yaml:"type"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
	BatchTimeoutUs int    `yaml:"batch_timeout_us"`
}

// ModelConf describes one loaded model.
type ModelConf struct {
	Name          string                 `yaml:"name"`
	Version       string                 `yaml:"version"`
	Device        string                 `yaml:"device"`
	InpDevice     string                 `yaml:"inp_device"`
	InfererType   string                 `yaml:"inferer_type"`
	InfererName   string                 `yaml:"inferer_name"`
	InfererPath   string                 `yaml:"inferer_path"`
	ConverterType string                 `yaml:"converter_type"`
	ConverterName string                 `yaml:"converter_name"`
	ConverterPath string                 `yaml:"converter_path"`
	Batching      *BatchingConf          `yaml:"batching"`
	InfererArgs   map[string]interface{} `yaml:"inferer_args"`
	ConverterArgs map[string]interface{} `yaml:"converter_args"`
}

// Key returns the model key "name-version", unique within a process.
func (m *ModelConf) Key() string { return m.Name + "-" + m.Version }

// NodeConf is one node of the pipeline.
type NodeConf struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Model string `yaml:"model"`
}

// DagConf describes the pipeline topology.
type DagConf struct {
	Type  string     `yaml:"type"`
	Name  string     `yaml:"name"`
	Nodes []NodeConf `yaml:"nodes"`
}

// InferenceConf is the typed view of conf/inference.yml.
type InferenceConf struct {
	Models []ModelConf `yaml:"models"`
	Dag    DagConf     `yaml:"dag"`
}

// ─── Loader ─────────────────────────────────────────────────────────────────

// Conf bundles the two parsed documents, their raw texts (served verbatim by
// the metadata endpoints), and the resolved bind points.
type Conf struct {
	Server    ServerConf
	Inference InferenceConf

	ServerText    string
	InferenceText string

	HTTPPort int
	RPCPort  int // -1 when the framework is plain http

	// LogDir is log.log_dir resolved against the deployment directory.
	LogDir string
}

// Load reads and validates the two documents from dir (the process working
// directory in production; tests point it elsewhere).
func Load(dir string) (*Conf, error) {
	serverRaw, err := os.ReadFile(filepath.Join(dir, ServerConfPath))
	if err != nil {
		return nil, fmt.Errorf("read server conf: %w", err)
	}
	inferenceRaw, err := os.ReadFile(filepath.Join(dir, InferenceConfPath))
	if err != nil {
		return nil, fmt.Errorf("read inference conf: %w", err)
	}

	c := &Conf{
		ServerText:    string(serverRaw),
		InferenceText: string(inferenceRaw),
		RPCPort:       -1,
	}
	if err := yaml.Unmarshal(serverRaw, &c.Server); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ServerConfPath, err)
	}
	if err := yaml.Unmarshal(inferenceRaw, &c.Inference); err != nil {
		return nil, fmt.Errorf("parse %s: %w", InferenceConfPath, err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	if err := c.resolvePorts(); err != nil {
		return nil, err
	}

	c.LogDir = c.Server.Log.LogDir
	if !filepath.IsAbs(c.LogDir) {
		c.LogDir = filepath.Join(dir, c.LogDir)
	}
	if err := ensureLogDir(c.LogDir); err != nil {
		return nil, err
	}
	return c, nil
}

// MetadataText is the /metadata/server payload: the two documents concatenated.
func (c *Conf) MetadataText() string {
	return c.InferenceText + "\n" + c.ServerText
}

// ModelMetadata returns the YAML dump of the named model's descriptor, or
// false when the name is unknown. Lookup is by bare model name, not the
// "name-version" key.
func (c *Conf) ModelMetadata(name string) (string, bool) {
	for i := range c.Inference.Models {
		if c.Inference.Models[i].Name == name {
			out, err := yaml.Marshal(&c.Inference.Models[i])
			if err != nil {
				return "", false
			}
			return string(out), true
		}
	}
	return "", false
}

// ModelByKey returns the descriptor for a model key "name-version".
func (c *Conf) ModelByKey(key string) (*ModelConf, bool) {
	for i := range c.Inference.Models {
		if c.Inference.Models[i].Key() == key {
			return &c.Inference.Models[i], true
		}
	}
	return nil, false
}

func (c *Conf) resolvePorts() error {
	ports := strings.Split(strings.ReplaceAll(c.Server.Interface.Port, " ", ""), ",")
	switch c.Server.Interface.Framework {
	case "http":
		if len(ports) != 1 {
			return fmt.Errorf("server.yml: interface.port: http framework needs exactly 1 port, got %q", c.Server.Interface.Port)
		}
	case "http+grpc":
		if len(ports) != 2 {
			return fmt.Errorf("server.yml: interface.port: http+grpc framework needs exactly 2 ports, got %q", c.Server.Interface.Port)
		}
	}
	httpPort, err := strconv.Atoi(ports[0])
	if err != nil || httpPort <= 0 || httpPort > 65535 {
		return fmt.Errorf("server.yml: interface.port: invalid port %q", ports[0])
	}
	c.HTTPPort = httpPort
	if len(ports) == 2 {
		rpcPort, err := strconv.Atoi(ports[1])
		if err != nil || rpcPort <= 0 || rpcPort > 65535 {
			return fmt.Errorf("server.yml: interface.port: invalid port %q", ports[1])
		}
		if rpcPort == httpPort {
			return fmt.Errorf("server.yml: interface.port: http port and rpc port must be different")
		}
		c.RPCPort = rpcPort
	}
	return nil
}

// ensureLogDir creates the log directory if absent. A regular file at the
// configured path is a configuration error.
func ensureLogDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case err == nil && !st.IsDir():
		return fmt.Errorf("server.yml: log.log_dir: %s exists and is not a directory", dir)
	case os.IsNotExist(err):
		return os.MkdirAll(dir, 0o755)
	default:
		return err
	}
}
