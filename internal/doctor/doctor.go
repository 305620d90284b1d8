// Package doctor validates starbridge configuration and storage before the
// service starts taking jobs.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/silentstar/starbridge/internal/config"
	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/lock"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration and the storage beneath it.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateSecrets(r)
	d.checkDataDirs(r)
	d.checkAtomicRename(r)
	d.checkFlock(r)
	d.warnNetworkFilesystem(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields and TTL sanity.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Service.DataDir == "" {
		d.addError(r, "service", "service.data_dir", "data_dir is required")
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "listen address is required")
	}
	if d.cfg.Bridge.OnlineTTL < time.Second {
		d.addError(r, "bridge", "bridge.online_ttl", "online_ttl must be at least 1s")
	}
	if d.cfg.Jobs.StaleTTL > 0 && d.cfg.Jobs.StaleTTL < 30*time.Second {
		d.addWarning(r, "jobs", "jobs.stale_ttl",
			fmt.Sprintf("stale_ttl %s is below the 30s floor and will be clamped to the default", d.cfg.Jobs.StaleTTL))
	}
	if d.cfg.Stream.MaxFollow < 10*time.Second {
		d.addWarning(r, "stream", "stream.max_follow",
			"max_follow under 10s will time streaming clients out almost immediately")
	}
}

// validateSecrets checks the two trust boundaries.
func (d *Doctor) validateSecrets(r *Result) {
	if d.cfg.Auth.BridgeSecret == "" {
		d.addError(r, "auth", "auth.bridge_secret",
			"bridge_secret is required (possibly an unresolved ${ENV_VAR})")
	} else if len(d.cfg.Auth.BridgeSecret) < 16 {
		d.addWarning(r, "auth", "auth.bridge_secret", "bridge_secret is shorter than 16 characters")
	}
	if d.cfg.Auth.AppPasswordHash == "" {
		d.addWarning(r, "auth", "auth.app_password_hash",
			"app_password_hash is empty; session auth is disabled")
	} else if !strings.HasPrefix(d.cfg.Auth.AppPasswordHash, "$2") {
		d.addError(r, "auth", "auth.app_password_hash", "app_password_hash is not a bcrypt hash")
	}
}

// checkDataDirs ensures the data tree can be created and written.
func (d *Doctor) checkDataDirs(r *Result) {
	if d.cfg.Service.DataDir == "" {
		return
	}
	for _, dir := range []string{d.cfg.JobsDir(), d.cfg.UploadsDir(), d.cfg.StateDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			d.addError(r, "storage", "service.data_dir",
				fmt.Sprintf("cannot create %q: %v", dir, err))
			return
		}
	}

	probe := filepath.Join(d.cfg.StateDir(), ".doctor-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		d.addError(r, "storage", "service.data_dir",
			fmt.Sprintf("state directory is not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
}

// checkAtomicRename probes the tmp-then-rename publish path the record
// store depends on.
func (d *Doctor) checkAtomicRename(r *Result) {
	if d.cfg.Service.DataDir == "" {
		return
	}
	if err := os.MkdirAll(d.cfg.StateDir(), 0o700); err != nil {
		return // already reported by checkDataDirs
	}

	base := filepath.Join(d.cfg.StateDir(), ".doctor-rename-"+uuid.NewString())
	tmp := base + ".tmp"
	if err := os.WriteFile(tmp, []byte(`{"probe":true}`), 0o600); err != nil {
		d.addError(r, "storage", "service.data_dir", fmt.Sprintf("cannot write temp file: %v", err))
		return
	}
	if err := os.Rename(tmp, base); err != nil {
		d.addError(r, "storage", "service.data_dir", fmt.Sprintf("rename failed: %v", err))
		_ = os.Remove(tmp)
		return
	}
	data, err := os.ReadFile(base)
	if err != nil || string(data) != `{"probe":true}` {
		d.addError(r, "storage", "service.data_dir", "renamed file did not read back intact")
	}
	_ = os.Remove(base)
}

// checkFlock probes advisory locking in the state directory.
func (d *Doctor) checkFlock(r *Result) {
	if d.cfg.Service.DataDir == "" {
		return
	}
	if err := os.MkdirAll(d.cfg.StateDir(), 0o700); err != nil {
		return
	}

	gate, err := lock.NewGate(d.cfg.StateDir())
	if err != nil {
		d.addError(r, "locking", "service.data_dir", fmt.Sprintf("cannot create lock gate: %v", err))
		return
	}
	if err := gate.With("doctor-probe", func() error { return nil }); err != nil {
		d.addError(r, "locking", "service.data_dir", fmt.Sprintf("flock probe failed: %v", err))
	}
	_ = os.Remove(filepath.Join(d.cfg.StateDir(), "doctor-probe.lock"))
}

// warnNetworkFilesystem flags data directories on mounts where flock and
// rename semantics are unreliable.
func (d *Doctor) warnNetworkFilesystem(r *Result) {
	if d.cfg.Service.DataDir == "" {
		return
	}
	if err := fsstore.ValidateLocalFilesystem(d.cfg.Service.DataDir); err != nil {
		d.addWarning(r, "storage", "service.data_dir", err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
