package serving

import "strings"

// OomLike reports whether an error message describes a GPU out-of-memory
// failure. The transports feed it into the *gpu_oom_count statistic.
func OomLike(msg string) bool {
	return strings.Contains(msg, "CUDA out of memory") || strings.Contains(msg, "OOM")
}
