// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compilecache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/aotdiffusion/pkg/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// ManifestFile is the name of the (informational) manifest written in the persistent cache directory.
	ManifestFile = "manifest.yaml"

	// XLAFlagsEnv is the environment variable with the flags read by the XLA compiler when the backend
	// is created.
	XLAFlagsEnv = "XLA_FLAGS"

	// KernelCacheFile is the file, in the persistent cache directory, with the compiled GPU kernels.
	KernelCacheFile = "kernels.bin"

	// xlaAutotuneCacheFlag points the XLA GPU compiler to its on-disk autotuning results.
	xlaAutotuneCacheFlag = "--xla_gpu_per_fusion_autotune_cache_dir"

	// xlaKernelCacheFlag points the XLA GPU compiler to its on-disk kernel cache, reused by later
	// compilations of the same fusions.
	xlaKernelCacheFlag = "--xla_gpu_kernel_cache_file"
)

// SupportsPersistentCache returns whether the backend (described by its Backend.Description) can use an
// on-disk compilation cache. Only the XLA CUDA plugin does.
func SupportsPersistentCache(backendDescription string) bool {
	return strings.Contains(strings.ToLower(backendDescription), "cuda")
}

// InitPersistentCache creates the persistent compilation cache directory configured in cfg, and points
// the XLA compiler to it, if cfg enables it (aot_compile and keep_compiled_fn_in_cache) and the backend
// supports it.
//
// XLA keeps no whole-program cache on disk: what persists across processes are the autotuning results and
// the compiled GPU kernels, so graphs are still compiled by each process, but faster.
//
// XLA reads its flags when the backend is created, so it must be called before creating the backend, with
// the backend configuration (e.g. "xla:cuda"). Calling it more than once is harmless.
//
// It returns the cache directory, or "" if the persistent cache is not used. Its presence only changes
// the compilation latency, never the results.
func InitPersistentCache(cfg *config.TrainingConfig, backendDescription string) (string, error) {
	if !cfg.AOTCompile || !cfg.KeepCompiledFnInCache {
		return "", nil
	}
	if !SupportsPersistentCache(backendDescription) {
		klog.Warningf("persistent compilation cache requested, but backend %q doesn't support it: ignoring",
			backendDescription)
		return "", nil
	}
	dir, err := cfg.CachePath()
	if err != nil {
		return "", errors.WithMessage(err, "persistent compilation cache path")
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create persistent compilation cache directory %q", dir)
	}
	flags := os.Getenv(XLAFlagsEnv)
	for _, flag := range [][2]string{
		{xlaAutotuneCacheFlag, dir},
		{xlaKernelCacheFlag, filepath.Join(dir, KernelCacheFile)},
	} {
		if !strings.Contains(flags, flag[0]) {
			flags = strings.TrimSpace(flags + " " + flag[0] + "=" + flag[1])
		}
	}
	if err = os.Setenv(XLAFlagsEnv, flags); err != nil {
		return "", errors.Wrapf(err, "failed to set %s", XLAFlagsEnv)
	}
	klog.V(1).Infof("persistent compilation cache in %q", dir)
	return dir, nil
}

// Manifest lists what a cache build compiled. It is written for operators only and never read back.
type Manifest struct {
	RunID          string          `yaml:"run_id"`
	Created        time.Time       `yaml:"created"`
	Backend        string          `yaml:"backend"`
	Topology       string          `yaml:"topology"`
	UseOffsetNoise bool            `yaml:"use_offset_noise"`
	StripBOSEOS    bool            `yaml:"strip_bos_eos"`
	Entries        []ManifestEntry `yaml:"entries"`
}

// ManifestEntry describes one compiled step.
type ManifestEntry struct {
	Key     string `yaml:"key"`
	Bucket  string `yaml:"bucket"`
	Lower   string `yaml:"lower"`
	Compile string `yaml:"compile"`
}

// newManifest for the cache.
func newManifest(c *Cache) *Manifest {
	m := &Manifest{
		RunID:          uuid.NewString(),
		Created:        time.Now().UTC(),
		Backend:        c.topo.Backend().Name(),
		Topology:       c.topo.String(),
		UseOffsetNoise: c.opts.UseOffsetNoise,
		StripBOSEOS:    c.opts.StripBOSEOS,
	}
	for _, key := range c.Keys() {
		e := c.entries[key]
		m.Entries = append(m.Entries, ManifestEntry{
			Key:     key.String(),
			Bucket:  key.Bucket().String(),
			Lower:   e.lowerElapsed.String(),
			Compile: e.compileElapsed.String(),
		})
	}
	return m
}

// writeManifest writes m into dir, returning the path written.
func writeManifest(dir string, m *Manifest) (string, error) {
	contents, err := yaml.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode cache manifest")
	}
	path := filepath.Join(dir, ManifestFile)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write cache manifest %q", path)
	}
	klog.V(1).Infof("wrote cache manifest %q (%s)", path, humanize.Bytes(uint64(len(contents))))
	return path, nil
}
