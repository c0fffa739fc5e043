package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/rpc"
	"strconv"
	"strings"
	"sync"

	"github.com/kolo/xmlrpc"

	"mediaingest/pkg/ingest"
)

// OdooSink attaches images to Odoo products over XML-RPC. The product is
// found by its internal reference (default_code == sku). Ordinal 0 becomes
// the main product image; later ordinals are added as extra product.image
// records.
type OdooSink struct {
	URL       string
	Database  string
	Username  string
	Password  string
	CommonURL string
	ObjectURL string

	mu  sync.Mutex
	uid int
}

// NewOdooSink creates a new Odoo sink.
func NewOdooSink(url, db, username, password string) (*OdooSink, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" || db == "" || username == "" {
		return nil, errors.New("sink: odoo url, database and user are required")
	}
	return &OdooSink{
		URL:       url,
		Database:  db,
		Username:  username,
		Password:  password,
		CommonURL: fmt.Sprintf("%s/xmlrpc/2/common", url),
		ObjectURL: fmt.Sprintf("%s/xmlrpc/2/object", url),
	}, nil
}

func (s *OdooSink) Name() string { return "odoo" }

// authenticate logs in once and caches the uid.
func (s *OdooSink) authenticate() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uid != 0 {
		return s.uid, nil
	}
	client, err := xmlrpc.NewClient(s.CommonURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create common client: %w", err)
	}
	defer client.Close()

	var uid any
	if err := client.Call("authenticate", []any{s.Database, s.Username, s.Password, map[string]any{}}, &uid); err != nil {
		return 0, fmt.Errorf("authentication failed: %w", err)
	}
	id, ok := uid.(int64)
	if !ok || id == 0 {
		// Odoo answers false for bad credentials
		return 0, errRejectedLogin
	}
	s.uid = int(id)
	return s.uid, nil
}

var errRejectedLogin = errors.New("odoo rejected the credentials")

func (s *OdooSink) execute(uid int, model, method string, args []any, kwargs map[string]any, result any) error {
	client, err := xmlrpc.NewClient(s.ObjectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create object client: %w", err)
	}
	defer client.Close()
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := []any{s.Database, uid, s.Password, model, method, args, kwargs}
	return client.Call("execute_kw", params, result)
}

func (s *OdooSink) findProduct(uid int, sku string) (int64, error) {
	var ids []int64
	domain := []any{[]any{"default_code", "=", sku}}
	if err := s.execute(uid, "product.product", "search", []any{domain}, map[string]any{"limit": 1}, &ids); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// Send uploads one image. Faults raised by Odoo (access rights, validation)
// are permanent; failures to reach the server are returned as errors.
func (s *OdooSink) Send(ctx context.Context, f ingest.File) (ingest.Response, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Response{}, err
	}
	uid, err := s.authenticate()
	if err != nil {
		return classifyOdoo(err)
	}
	productID, err := s.findProduct(uid, f.SKU)
	if err != nil {
		return classifyOdoo(err)
	}
	if productID == 0 {
		return ingest.Response{Status: http.StatusNotFound, BodySummary: "no product with default_code " + f.SKU}, nil
	}
	encoded := base64.StdEncoding.EncodeToString(f.Data)
	if f.Ordinal == 0 {
		var ok bool
		args := []any{[]int64{productID}, map[string]any{"image_1920": encoded}}
		if err := s.execute(uid, "product.product", "write", args, nil, &ok); err != nil {
			return classifyOdoo(err)
		}
		return ingest.Response{Status: http.StatusOK, BodySummary: fmt.Sprintf("product.product %d", productID)}, nil
	}
	var imageID int64
	vals := map[string]any{
		"name":               f.TargetFilename,
		"image_1920":         encoded,
		"product_variant_id": productID,
	}
	if err := s.execute(uid, "product.image", "create", []any{vals}, nil, &imageID); err != nil {
		return classifyOdoo(err)
	}
	return ingest.Response{Status: http.StatusCreated, BodySummary: fmt.Sprintf("product.image %d", imageID)}, nil
}

const badStatusPrefix = "request error: bad status code - "

// classifyOdoo maps client errors onto responses. The xmlrpc client reports
// both XML-RPC faults and non-2xx replies as rpc.ServerError strings.
func classifyOdoo(err error) (ingest.Response, error) {
	var se rpc.ServerError
	if errors.As(err, &se) {
		msg := string(se)
		if rest, ok := strings.CutPrefix(msg, badStatusPrefix); ok {
			if code, convErr := strconv.Atoi(strings.TrimSpace(rest)); convErr == nil {
				return ingest.Response{Status: code, BodySummary: msg}, nil
			}
		}
		return ingest.Response{Status: http.StatusUnprocessableEntity, BodySummary: msg}, nil
	}
	if errors.Is(err, errRejectedLogin) {
		return ingest.Response{Status: http.StatusUnauthorized, BodySummary: err.Error()}, nil
	}
	return ingest.Response{}, err
}

func (s *OdooSink) Close() error { return nil }
