package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-logr/logr"
	"kubegems.io/deployx/pkg/auth"
)

func Run(ctx context.Context, opts *Options) error {
	log := logr.FromContextOrDiscard(ctx)
	registry, err := NewRegistry(ctx, opts)
	if err != nil {
		return err
	}
	handler, err := registry.Handler(ctx, opts)
	if err != nil {
		return err
	}

	server := http.Server{
		Addr:    opts.Listen,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownctx)
	}()
	if opts.TLS.CertFile != "" && opts.TLS.KeyFile != "" {
		log.Info("registry listening", "https", opts.Listen)
		err = server.ListenAndServeTLS(opts.TLS.CertFile, opts.TLS.KeyFile)
	} else {
		log.Info("registry listening", "http", opts.Listen)
		err = server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler wires routes, metrics, auth and request logging.
func (s *Registry) Handler(ctx context.Context, opts *Options) (http.Handler, error) {
	var handler http.Handler = s.route()
	switch {
	case opts.OIDC != nil && opts.OIDC.Issuer != "":
		verifier, err := auth.NewOIDCVerifier(ctx, opts.OIDC.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc issuer %s: %w", opts.OIDC.Issuer, err)
		}
		handler = auth.NewAuthFilter(verifier, handler)
	case opts.Token != "":
		handler = auth.NewAuthFilter(auth.StaticTokenVerifier{Token: opts.Token, Subject: "token"}, handler)
	}
	return LoggingFilter(logr.FromContextOrDiscard(ctx), handler), nil
}

func NewRegistry(ctx context.Context, opt *Options) (*Registry, error) {
	store, err := NewRegistryStore(ctx, opt)
	if err != nil {
		return nil, err
	}
	return &Registry{Store: store, Metrics: NewMetrics()}, nil
}

// NewRegistryStore picks s3 when an s3 url or bucket is configured, local storage otherwise.
func NewRegistryStore(ctx context.Context, opt *Options) (*FSRegistryStore, error) {
	var fs FSProvider
	switch {
	case opt.S3 != nil && opt.S3.URL != "":
		s3fs, err := NewS3FSProvider(ctx, opt.S3)
		if err != nil {
			return nil, err
		}
		fs = s3fs
	case opt.Local != nil && opt.Local.Basepath != "":
		if opt.EnableRedirect {
			return nil, fmt.Errorf("local storage does not support redirect")
		}
		localfs, err := NewLocalFSProvider(opt.Local)
		if err != nil {
			return nil, err
		}
		fs = localfs
	default:
		return nil, fmt.Errorf("no storage backend set")
	}
	return NewFSRegistryStore(ctx, fs, opt.EnableRedirect)
}
