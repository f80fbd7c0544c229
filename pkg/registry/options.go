package registry

import (
	"time"
)

type Options struct {
	Listen         string
	TLS            *TLSOptions
	S3             *S3Options
	Local          *LocalFSOptions
	EnableRedirect bool
	OIDC           *OIDCOptions
	// Token is a static bearer token, used when no oidc issuer is set.
	Token           string
	ShutdownTimeout time.Duration
}

type OIDCOptions struct {
	Issuer string
}

type TLSOptions struct {
	CertFile string
	KeyFile  string
}

func DefaultOptions() *Options {
	return &Options{
		Listen:          ":8080",
		TLS:             &TLSOptions{},
		S3:              NewDefaultS3Options(),
		OIDC:            &OIDCOptions{},
		Local:           NewDefaultLocalFSOptions(),
		EnableRedirect:  false,
		ShutdownTimeout: 10 * time.Second,
	}
}
