package sysmon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Prober reads utilization and memory of one physical GPU.
type Prober interface {
	// DeviceCount returns the number of visible physical devices.
	DeviceCount() (int, error)
	// Usage returns the utilization percentage of the device.
	Usage(device int) (float64, error)
	// MemUsedMiB returns the used memory of the device in MiB.
	MemUsedMiB(device int) (float64, error)
}

var cudaVisiblePattern = regexp.MustCompile(`^\d+(,\d+)*$`)

// VisibleDevices parses CUDA_VISIBLE_DEVICES into the logical-to-physical
// device mapping. A nil slice means no remapping is in effect.
func VisibleDevices() ([]int, error) {
	env, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !ok {
		return nil, nil
	}
	if !cudaVisiblePattern.MatchString(env) {
		return nil, fmt.Errorf("invalid CUDA_VISIBLE_DEVICES: %q", env)
	}
	parts := strings.Split(env, ",")
	devices := make([]int, len(parts))
	for i, p := range parts {
		devices[i], _ = strconv.Atoi(p)
	}
	return devices, nil
}

// smiProber shells out to nvidia-smi. Probes that fail or name a device
// beyond the installed count read as zero, so a misconfigured device list
// degrades to flat series instead of killing the monitor.
type smiProber struct {
	timeout time.Duration
}

// NewSmiProber returns a Prober backed by the nvidia-smi binary.
func NewSmiProber() Prober {
	return &smiProber{timeout: 5 * time.Second}
}

func (p *smiProber) query(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *smiProber) DeviceCount() (int, error) {
	out, err := p.query("--query-gpu=count", "--format=csv,noheader,nounits", "-i", "0")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

func (p *smiProber) Usage(device int) (float64, error) {
	out, err := p.query("--query-gpu=utilization.gpu", "--format=csv,noheader,nounits", "-i", strconv.Itoa(device))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out, 64)
}

func (p *smiProber) MemUsedMiB(device int) (float64, error) {
	out, err := p.query("--query-gpu=memory.used", "--format=csv,noheader,nounits", "-i", strconv.Itoa(device))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out, 64)
}
