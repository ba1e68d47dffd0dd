// Package gateway provides the public API for embedding the egress gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/egress"
	"github.com/tjfontaine/egress-gateway/internal/runtime"
)

// Gateway is the main entry point for running the egress gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Client performs guarded outbound requests.
type Client = egress.Client

// RequestOptions are the per-request options of Client.Do.
type RequestOptions = egress.RequestOptions

// Response is a completed outbound response.
type Response = egress.Response

// Settings is the application-wide configuration of a Client.
type Settings = egress.Settings

// Error is the error type returned for refused and failed requests.
type Error = domain.Error

// ErrorKind is the category of an Error.
type ErrorKind = domain.ErrorKind

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/audit.db"),
//	)
var New = runtime.New

// NewClient creates a standalone egress client without the control API.
var NewClient = egress.New

// DefaultSettings returns the default client settings.
var DefaultSettings = egress.DefaultSettings

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Authentication
	WithAPIKeyAuth = runtime.WithAPIKeyAuth

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithDatabase      = runtime.WithDatabase
	WithMemoryStorage = runtime.WithMemoryStorage
	WithStorageConfig = runtime.WithStorageConfig
	WithoutAudit      = runtime.WithoutAudit

	// Events
	WithDirectEvents = runtime.WithDirectEvents

	// Policy
	WithBasicPolicy = runtime.WithBasicPolicy

	// Advanced options
	WithLogger          = runtime.WithLogger
	WithTracerProvider  = runtime.WithTracerProvider
	WithResolver        = runtime.WithResolver
	WithProxyEnv        = runtime.WithProxyEnv
	WithClientOptions   = runtime.WithClientOptions
	WithoutServer       = runtime.WithoutServer
	WithConfigProvider  = runtime.WithConfigProvider
	WithAuthProvider    = runtime.WithAuthProvider
	WithStorageProvider = runtime.WithStorageProvider
	WithEventPublisher  = runtime.WithEventPublisher
	WithRequestPolicy   = runtime.WithRequestPolicy
)

// Error checks
var (
	IsHTTPError = domain.IsHTTPError
	KindOf      = domain.KindOf

	ErrBlockedURL         = domain.ErrBlockedURL
	ErrRedirectionTooDeep = domain.ErrRedirectionTooDeep
	ErrReadTotalTimeout   = domain.ErrReadTotalTimeout
	ErrHeaderReadTimeout  = domain.ErrHeaderReadTimeout
	ErrSilentModeBlocked  = domain.ErrSilentModeBlocked
	ErrAsyncIncompatible  = egress.ErrAsyncIncompatible
)
