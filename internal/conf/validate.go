package conf

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	hostPattern       = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	customPathPattern = regexp.MustCompile(`^/[A-Za-z0-9_\-/]+$`)
	devicePattern     = regexp.MustCompile(`^(cpu|cuda|gpu|original|cuda:\d+|gpu:\d+)$`)
)

// ReservedHTTPPaths can never be claimed as the customized predict path.
var ReservedHTTPPaths = []string{
	"/",
	"/grps/v1/health/online",
	"/grps/v1/health/offline",
	"/grps/v1/health/live",
	"/grps/v1/health/ready",
	"/grps/v1/infer/predict",
	"/grps/v1/metadata/server",
	"/grps/v1/metadata/model",
	"/grps/v1/monitor/series",
	"/grps/v1/monitor/metrics",
}

// validate applies every structural rule to both documents. All violations are
// collected so the startup log names each offending field.
func (c *Conf) validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.validateServer())
	errs = multierror.Append(errs, c.validateInference())
	return errs.ErrorOrNil()
}

func (c *Conf) validateServer() error {
	var errs *multierror.Error
	s := &c.Server

	switch s.Interface.Framework {
	case "http", "http+grpc":
	case "http+brpc":
		errs = multierror.Append(errs, fmt.Errorf("server.yml: interface.framework: http+brpc is not supported"))
	default:
		errs = multierror.Append(errs, fmt.Errorf("server.yml: interface.framework: invalid value %q", s.Interface.Framework))
	}
	if !hostPattern.MatchString(s.Interface.Host) {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: interface.host: invalid host %q", s.Interface.Host))
	}
	if strings.TrimSpace(s.Interface.Port) == "" {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: interface.port: port not specified"))
	}

	if cp := s.Interface.CustomizedPredictHTTP; cp != nil {
		if !customPathPattern.MatchString(cp.Path) {
			errs = multierror.Append(errs, fmt.Errorf("server.yml: customized_predict_http.path: invalid path %q", cp.Path))
		}
		for _, reserved := range ReservedHTTPPaths {
			if cp.Path == reserved {
				errs = multierror.Append(errs, fmt.Errorf("server.yml: customized_predict_http.path: cannot use internal path %q", cp.Path))
			}
		}
		if sc := cp.StreamingCtrl; sc != nil {
			switch sc.CtrlMode {
			case "", "query_param", "header_param", "body_param":
			default:
				errs = multierror.Append(errs, fmt.Errorf("server.yml: streaming_ctrl.ctrl_mode: %q not supported", sc.CtrlMode))
			}
		}
	}

	if s.MaxConnections <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: max_connections: must be a positive integer"))
	}
	if s.MaxConcurrency <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: max_concurrency: must be a positive integer"))
	}
	if s.MaxConnections > 0 && s.MaxConcurrency > s.MaxConnections {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: max_concurrency: must not exceed max_connections"))
	}

	if g := s.Gpu; g != nil {
		switch g.MemManagerType {
		case "torch", "tensorflow", "none":
		default:
			errs = multierror.Append(errs, fmt.Errorf("server.yml: gpu.mem_manager_type: %q not supported", g.MemManagerType))
		}
		if g.MemManagerType != "none" {
			if g.MemLimitMib != -1 && g.MemLimitMib <= 0 {
				errs = multierror.Append(errs, fmt.Errorf("server.yml: gpu.mem_limit_mib: must be positive or -1"))
			}
			if g.MemGcEnable && g.MemGcInterval < 1 {
				errs = multierror.Append(errs, fmt.Errorf("server.yml: gpu.mem_gc_interval: must be >= 1 when gc is enabled"))
			}
		}
		if len(g.Devices) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("server.yml: gpu.devices: must be a non-empty int list"))
		}
		for _, d := range g.Devices {
			if d < 0 {
				errs = multierror.Append(errs, fmt.Errorf("server.yml: gpu.devices: invalid device index %d", d))
			}
		}
	}

	if s.Log.LogDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: log.log_dir: not specified"))
	}
	if s.Log.LogBackupCount < 1 {
		errs = multierror.Append(errs, fmt.Errorf("server.yml: log.log_backup_count: must be >= 1"))
	}
	return errs.ErrorOrNil()
}

func (c *Conf) validateInference() error {
	var errs *multierror.Error
	inf := &c.Inference

	if len(inf.Models) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("inference.yml: models: no model specified"))
	}
	keys := make(map[string]bool, len(inf.Models))
	for i := range inf.Models {
		m := &inf.Models[i]
		field := func(name string) string { return fmt.Sprintf("inference.yml: models[%d].%s", i, name) }

		if m.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: model name not specified", field("name")))
		}
		if m.Version == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: model version not specified", field("version")))
		}
		if keys[m.Key()] {
			errs = multierror.Append(errs, fmt.Errorf("%s: model %s already exists", field("name"), m.Key()))
		}
		keys[m.Key()] = true

		switch m.InfererType {
		case "torch", "tensorflow", "tensorrt":
			if m.InfererPath == "" {
				errs = multierror.Append(errs, fmt.Errorf("%s: required for %s inferer", field("inferer_path"), m.InfererType))
			}
		case "customized":
			if m.InfererName == "" {
				errs = multierror.Append(errs, fmt.Errorf("%s: required when inferer_type is customized", field("inferer_name")))
			}
		default:
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid value %q", field("inferer_type"), m.InfererType))
		}

		switch m.ConverterType {
		case "torch", "tensorflow", "tensorrt", "none", "":
		case "customized":
			if m.ConverterName == "" {
				errs = multierror.Append(errs, fmt.Errorf("%s: required when converter_type is customized", field("converter_name")))
			}
		default:
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid value %q", field("converter_type"), m.ConverterType))
		}

		if m.Device != "" && !devicePattern.MatchString(m.Device) {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid device %q", field("device"), m.Device))
		}
		if m.Device == "original" && m.InfererType == "torch" {
			if m.InpDevice == "" || m.InpDevice == "original" {
				errs = multierror.Append(errs, fmt.Errorf("%s: required (non-original) when device is original", field("inp_device")))
			}
		}

		if b := m.Batching; b != nil {
			switch b.Type {
			case "none", "":
			case "dynamic":
				if b.MaxBatchSize <= 0 {
					errs = multierror.Append(errs, fmt.Errorf("%s: must be a positive integer", field("batching.max_batch_size")))
				}
				if b.BatchTimeoutUs <= 0 {
					errs = multierror.Append(errs, fmt.Errorf("%s: must be a positive integer", field("batching.batch_timeout_us")))
				}
			default:
				errs = multierror.Append(errs, fmt.Errorf("%s: invalid value %q", field("batching.type"), b.Type))
			}
		}

		if streams, ok := m.InfererArgs["streams"]; ok {
			if n, ok := streams.(int); !ok || n <= 0 {
				errs = multierror.Append(errs, fmt.Errorf("%s: must be a positive integer", field("inferer_args.streams")))
			}
		}
	}

	switch inf.Dag.Type {
	case "sequential":
	case "graph":
		errs = multierror.Append(errs, fmt.Errorf("inference.yml: dag.type: graph dag is not supported"))
	default:
		errs = multierror.Append(errs, fmt.Errorf("inference.yml: dag.type: invalid value %q", inf.Dag.Type))
	}
	if len(inf.Dag.Nodes) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("inference.yml: dag.nodes: no node specified"))
	}
	for i, n := range inf.Dag.Nodes {
		if n.Type != "model" {
			errs = multierror.Append(errs, fmt.Errorf("inference.yml: dag.nodes[%d].type: %q not supported in sequential dag", i, n.Type))
			continue
		}
		if !keys[n.Model] {
			errs = multierror.Append(errs, fmt.Errorf("inference.yml: dag.nodes[%d].model: model %q not found but bound with %s node", i, n.Model, n.Name))
		}
	}
	return errs.ErrorOrNil()
}
