package sink

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"

	"mediaingest/pkg/ingest"
)

// Kinds accepted by New and the SINK variable.
const (
	KindHTTP = "http"
	KindFile = "file"
	KindGCS  = "gcs"
	KindOdoo = "odoo"
)

// Settings selects and configures a sink.
type Settings struct {
	Kind string

	Endpoint string
	Token    string
	Timeout  time.Duration

	Dir string

	Bucket          string
	Prefix          string
	EmulatorHost    string
	CredentialsFile string

	OdooURL      string
	OdooDB       string
	OdooUser     string
	OdooPassword string
}

// SettingsFromEnv reads sink settings from the process environment.
func SettingsFromEnv() Settings {
	st := Settings{
		Kind:            strings.ToLower(strings.TrimSpace(os.Getenv("SINK"))),
		Endpoint:        os.Getenv("MEDIA_ENDPOINT_URL"),
		Token:           os.Getenv("MEDIA_ENDPOINT_TOKEN"),
		Dir:             os.Getenv("SINK_DIR"),
		Bucket:          os.Getenv("GCS_BUCKET"),
		Prefix:          os.Getenv("GCS_PREFIX"),
		EmulatorHost:    os.Getenv("STORAGE_EMULATOR_HOST"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		OdooURL:         os.Getenv("ODOO_URL"),
		OdooDB:          os.Getenv("ODOO_DB"),
		OdooUser:        os.Getenv("ODOO_USER"),
		OdooPassword:    os.Getenv("ODOO_PASSWORD"),
	}
	if v := os.Getenv("MEDIA_ENDPOINT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			st.Timeout = d
		}
	}
	if st.Kind == "" {
		switch {
		case st.Endpoint != "":
			st.Kind = KindHTTP
		case st.Bucket != "":
			st.Kind = KindGCS
		case st.OdooURL != "":
			st.Kind = KindOdoo
		case st.Dir != "":
			st.Kind = KindFile
		}
	}
	return st
}

// Named is implemented by every sink in this package.
type Named interface {
	ingest.UploadSink
	Name() string
}

// New builds the sink described by st.
func New(ctx context.Context, st Settings) (Named, error) {
	switch st.Kind {
	case KindHTTP:
		return NewHTTPSink(st.Endpoint, st.Token, st.Timeout)
	case KindFile:
		return NewFileSink(st.Dir)
	case KindGCS:
		var opts []option.ClientOption
		if st.EmulatorHost != "" {
			opts = append(opts, option.WithoutAuthentication())
		} else if st.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(st.CredentialsFile))
		}
		return NewGCSSink(ctx, st.Bucket, st.Prefix, opts...)
	case KindOdoo:
		return NewOdooSink(st.OdooURL, st.OdooDB, st.OdooUser, st.OdooPassword)
	case "":
		return nil, fmt.Errorf("sink: no sink configured (set SINK)")
	default:
		return nil, fmt.Errorf("sink: unknown kind %q", st.Kind)
	}
}
