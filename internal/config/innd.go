package config

import (
	"encoding/json"
	"os"
	"time"
)

// InndConfig is the transit server's configuration, spec.md §6's "no
// syslog/configuration-file loading" Non-goal scopes the *loader*
// format out, not the config surface itself — this is the in-process
// shape cmd/innd builds from NewDefaultInndConfig, or from an optional
// -config JSON file via LoadInndConfig, and hands to every package.
// It uses a struct-of-structs-with-json-tags layout for innd's
// identity/paths/limits settings.
type InndConfig struct {
	AppVersion string `json:"app_version"`

	Identity IdentityConfig `json:"identity"`
	Paths    PathsConfig    `json:"paths"`
	Listen   ListenConfig   `json:"listen"`
	Limits   LimitsConfig   `json:"limits"`
}

// IdentityConfig mirrors spec.md §3's ME block: the server's own
// pathhost/path-alias and default distributions/exclusions.
type IdentityConfig struct {
	Pathhost      string   `json:"pathhost"`
	PathAlias     string   `json:"path_alias"`
	Distributions []string `json:"distributions"`
	Exclusions    []string `json:"exclusions"`
	XrefSlave     bool     `json:"xref_slave"`
}

// PathsConfig is every on-disk location spec.md §6 names.
type PathsConfig struct {
	Newsfeeds         string `json:"newsfeeds"`
	HostsNNTP         string `json:"hosts_nntp"`
	HistoryDir        string `json:"history_dir"`
	OverviewDir       string `json:"overview_dir"`
	ActiveFile        string `json:"active_file"`
	StorageDir        string `json:"storage_dir"`
	OutgoingDir       string `json:"outgoing_dir"`
	SpoolDir          string `json:"spool_dir"`
	TmpDir            string `json:"tmp_dir"`
	PidFile           string `json:"pid_file"`
	ControlSocket     string `json:"control_socket"`
	ControlHandlerDir string `json:"control_handler_dir"`
	BadControlProgram string `json:"bad_control_program"`
}

// ListenConfig is the reactor's accept sockets.
type ListenConfig struct {
	NNTPAddr string `json:"nntp_addr"`
}

// LimitsConfig mirrors spec.md §4.2/§4.6's fixed constants.
type LimitsConfig struct {
	MaxArticleSize int64         `json:"max_article_size"`
	MaxCommandLine int           `json:"max_command_line"`
	MaxBadCommands int           `json:"max_bad_commands"`
	FDBudget       int           `json:"fd_budget"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	ChanRetryTime  time.Duration `json:"chan_retry_time"`
}

// NewDefaultInndConfig returns innd's built-in default settings.
func NewDefaultInndConfig() *InndConfig {
	return &InndConfig{
		AppVersion: AppVersion,
		Identity: IdentityConfig{
			Pathhost: "localhost",
		},
		Paths: PathsConfig{
			Newsfeeds:         "etc/newsfeeds",
			HostsNNTP:         "etc/hosts.nntp",
			HistoryDir:        "data/history",
			OverviewDir:       "data/overview",
			ActiveFile:        "data/active",
			StorageDir:        "data/store",
			OutgoingDir:       "data/out",
			SpoolDir:          "data/spool",
			TmpDir:            "tmp",
			PidFile:           "run/innd.pid",
			ControlSocket:     "run/innd.ctl",
			ControlHandlerDir: "bin/control",
			BadControlProgram: "bin/control/badcontrol",
		},
		Listen: ListenConfig{
			NNTPAddr: ":1119",
		},
		Limits: LimitsConfig{
			MaxArticleSize: DefaultMaxArticleSize,
			MaxCommandLine: 512,
			MaxBadCommands: 5,
			FDBudget:       64,
			IdleTimeout:    3 * time.Minute,
			ChanRetryTime:  30 * time.Second,
		},
	}
}

// LoadInndConfig reads a JSON-encoded InndConfig from path on top of
// NewDefaultInndConfig: fields absent from the JSON keep their defaults,
// and fields present in it, zero values included, replace them.
func LoadInndConfig(path string) (*InndConfig, error) {
	cfg := NewDefaultInndConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
