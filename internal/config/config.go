// Package config provides configuration management for go-pugleaf.
// Adapted from NZBreX for newsgroup server use.
package config

import (
	"time"
)

var AppVersion = "-unset-" // will be set at build time

const (
	// NNTP protocol constants
	DOT  = "."
	CR   = "\r"
	LF   = "\n"
	CRLF = CR + LF

	// Default connection settings
	DefaultConnectTimeout  = 30 * time.Second
	DefaultConnectErrSleep = 5 * time.Second
	DefaultRequeueDelay    = 10 * time.Second
	DefaultMaxArticleSize  = 32 * 1024 // 'N' KB max article size

	// NNTPServer defaults
	NNTPServerMaxConns = 500 // Maximum concurrent NNTP connections
)
