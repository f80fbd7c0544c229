package main

import (
	"testing"
)

func TestParseURI(t *testing.T) {
	t.Setenv(EnvAuth, "from-env")
	tests := []struct {
		uri          string
		wantRegistry string
		wantRepo     string
		wantVersion  string
		wantToken    string
		wantErr      bool
	}{
		{
			uri:          "deployx://127.0.0.1:8080/library/resnet@v1",
			wantRegistry: "http://127.0.0.1:8080",
			wantRepo:     "library/resnet",
			wantVersion:  "v1",
			wantToken:    "from-env",
		},
		{
			uri:          "deployxs://registry.example.com/bert?token=abc",
			wantRegistry: "https://registry.example.com",
			wantRepo:     "library/bert",
			wantToken:    "abc",
		},
		{uri: "deployx://127.0.0.1:8080", wantErr: true},
		{uri: "s3://bucket/library/resnet", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			ref, token, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ref.Registry != tt.wantRegistry || ref.Repository != tt.wantRepo || ref.Version != tt.wantVersion {
				t.Errorf("ParseURI() = %+v", ref)
			}
			if token != tt.wantToken {
				t.Errorf("token = %s, want %s", token, tt.wantToken)
			}
		})
	}
}
