package tuplestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/logger"
	"github.com/keygate-io/keygate/pkg/networking"
)

// localScope keys the shared store's bookkeeping in local mode.
const localScope = "local"

const defaultRequestTimeout = 5 * time.Second

// OpenFGAConfig configures the HTTP adapter.
type OpenFGAConfig struct {
	// Mode is "local" (one shared store at Addr) or "per-tenant" (store
	// address resolved from NamespaceTemplate).
	Mode string

	// Addr is the backend base URL in local mode.
	Addr string

	// StoreName names the shared store in local mode.
	StoreName string

	// NamespaceTemplate resolves the per-tenant base URL; "{tenant}" is
	// replaced with the tenant id.
	NamespaceTemplate string

	// RequestTimeout bounds each backend call. Zero means 5s.
	RequestTimeout time.Duration
}

// OpenFGAStore talks to an OpenFGA-style backend over its HTTP API.
// Store and model ids are ensured lazily, cached in-process and persisted in
// Redis so restarts skip the discovery round-trips.
type OpenFGAStore struct {
	cfg    OpenFGAConfig
	client networking.HTTPClient
	rdb    redis.UniversalClient

	keyPrefix string
	modelDoc  []byte
	modelHash string

	mu     sync.Mutex
	stores map[string]string // scope → store id
	models map[string]string // scope → model id
}

var _ Store = (*OpenFGAStore)(nil)

// NewOpenFGAStore creates the HTTP adapter. rdb persists store/model ids
// under keyPrefix; client is shared across all tenants.
func NewOpenFGAStore(cfg OpenFGAConfig, client networking.HTTPClient, rdb redis.UniversalClient, keyPrefix string) (*OpenFGAStore, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	doc, err := json.Marshal(keygateModel())
	if err != nil {
		return nil, fmt.Errorf("failed to encode authorization model: %w", err)
	}
	sum := sha256.Sum256(doc)

	return &OpenFGAStore{
		cfg:       cfg,
		client:    client,
		rdb:       rdb,
		keyPrefix: keyPrefix,
		modelDoc:  doc,
		modelHash: hex.EncodeToString(sum[:8]),
		stores:    make(map[string]string),
		models:    make(map[string]string),
	}, nil
}

// Wire shapes of the backend API.

type fgaStore struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fgaListStoresResponse struct {
	Stores            []fgaStore `json:"stores"`
	ContinuationToken string     `json:"continuation_token"`
}

type fgaCreateStoreRequest struct {
	Name string `json:"name"`
}

type fgaWriteModelResponse struct {
	AuthorizationModelID string `json:"authorization_model_id"`
}

type fgaTupleKey struct {
	User     string `json:"user"`
	Relation string `json:"relation,omitempty"`
	Object   string `json:"object"`
}

type fgaTupleKeys struct {
	TupleKeys []fgaTupleKey `json:"tuple_keys"`
}

type fgaWriteRequest struct {
	Writes  *fgaTupleKeys `json:"writes,omitempty"`
	Deletes *fgaTupleKeys `json:"deletes,omitempty"`
	ModelID string        `json:"authorization_model_id,omitempty"`
}

type fgaCheckRequest struct {
	TupleKey         fgaTupleKey   `json:"tuple_key"`
	ContextualTuples *fgaTupleKeys `json:"contextual_tuples,omitempty"`
	ModelID          string        `json:"authorization_model_id,omitempty"`
}

type fgaCheckResponse struct {
	Allowed bool `json:"allowed"`
}

type fgaReadRequest struct {
	TupleKey          *fgaTupleKey `json:"tuple_key,omitempty"`
	PageSize          int          `json:"page_size,omitempty"`
	ContinuationToken string       `json:"continuation_token,omitempty"`
}

type fgaReadTuple struct {
	Key fgaTupleKey `json:"key"`
}

type fgaReadResponse struct {
	Tuples            []fgaReadTuple `json:"tuples"`
	ContinuationToken string         `json:"continuation_token"`
}

type fgaErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toTupleKey(t Tuple) fgaTupleKey {
	return fgaTupleKey{User: t.User, Relation: t.Relation, Object: t.Object}
}

func (s *OpenFGAStore) scope(tenant string) string {
	if s.cfg.Mode == "per-tenant" {
		return tenant
	}
	return localScope
}

func (s *OpenFGAStore) baseURL(tenant string) string {
	if s.cfg.Mode == "per-tenant" {
		return strings.TrimSuffix(strings.ReplaceAll(s.cfg.NamespaceTemplate, "{tenant}", tenant), "/")
	}
	return strings.TrimSuffix(s.cfg.Addr, "/")
}

func (s *OpenFGAStore) storeName(tenant string) string {
	if s.cfg.Mode == "per-tenant" {
		return tenant
	}
	return s.cfg.StoreName
}

func (s *OpenFGAStore) storeIDKey(scope string) string {
	return fmt.Sprintf("%s:fga:store:%s", s.keyPrefix, scope)
}

func (s *OpenFGAStore) modelIDKey(scope string) string {
	return fmt.Sprintf("%s:fga:model:%s:%s", s.keyPrefix, scope, s.modelHash)
}

// EnsureStore implements Store.
func (s *OpenFGAStore) EnsureStore(ctx context.Context, tenant string) error {
	_, err := s.storeID(ctx, tenant)
	return err
}

// EnsureModel implements Store.
func (s *OpenFGAStore) EnsureModel(ctx context.Context, tenant string) error {
	_, _, err := s.storeAndModel(ctx, tenant)
	return err
}

// storeID resolves (and if needed creates) the tenant's store.
func (s *OpenFGAStore) storeID(ctx context.Context, tenant string) (string, error) {
	scope := s.scope(tenant)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.stores[scope]; ok {
		return id, nil
	}

	// A previous process may have done the discovery already.
	if id, err := s.rdb.Get(ctx, s.storeIDKey(scope)).Result(); err == nil && id != "" {
		s.stores[scope] = id
		return id, nil
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return "", NewUnavailableError("store lookup", err)
	}

	id, err := s.findOrCreateStore(ctx, tenant)
	if err != nil {
		return "", err
	}

	if err := s.rdb.Set(ctx, s.storeIDKey(scope), id, 0).Err(); err != nil {
		return "", NewUnavailableError("store bookkeeping", err)
	}
	s.stores[scope] = id
	logger.Infow("tuple store ensured", "scope", scope, "store_id", id)
	return id, nil
}

// storeAndModel resolves the store and makes sure the current model version
// is installed on it.
func (s *OpenFGAStore) storeAndModel(ctx context.Context, tenant string) (storeID, modelID string, err error) {
	storeID, err = s.storeID(ctx, tenant)
	if err != nil {
		return "", "", err
	}

	scope := s.scope(tenant)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.models[scope]; ok {
		return storeID, id, nil
	}

	// The model key embeds the schema hash: a binary carrying a newer
	// schema misses here and installs a fresh model version.
	if id, rerr := s.rdb.Get(ctx, s.modelIDKey(scope)).Result(); rerr == nil && id != "" {
		s.models[scope] = id
		return storeID, id, nil
	} else if rerr != nil && !errors.Is(rerr, redis.Nil) {
		return "", "", NewUnavailableError("model lookup", rerr)
	}

	modelID, err = s.writeModel(ctx, tenant, storeID)
	if err != nil {
		return "", "", err
	}

	if err := s.rdb.Set(ctx, s.modelIDKey(scope), modelID, 0).Err(); err != nil {
		return "", "", NewUnavailableError("model bookkeeping", err)
	}
	s.models[scope] = modelID
	logger.Infow("authorization model installed", "scope", scope, "model_id", modelID, "schema", s.modelHash)
	return storeID, modelID, nil
}

func (s *OpenFGAStore) findOrCreateStore(ctx context.Context, tenant string) (string, error) {
	base := s.baseURL(tenant)
	name := s.storeName(tenant)

	token := ""
	for {
		listURL := base + "/stores?page_size=50"
		if token != "" {
			listURL += "&continuation_token=" + url.QueryEscape(token)
		}
		res, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[fgaListStoresResponse], error) {
			return networking.FetchJSON[fgaListStoresResponse](ctx, s.client, listURL)
		})
		if err != nil {
			return "", classifyFGAError("list stores", err)
		}
		for _, st := range res.Data.Stores {
			if st.Name == name {
				return st.ID, nil
			}
		}
		token = res.Data.ContinuationToken
		if token == "" {
			break
		}
	}

	res, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[fgaStore], error) {
		return networking.FetchJSON[fgaStore](ctx, s.client, base+"/stores",
			networking.WithJSONBody(fgaCreateStoreRequest{Name: name}))
	})
	if err != nil {
		return "", classifyFGAError("create store", err)
	}
	return res.Data.ID, nil
}

func (s *OpenFGAStore) writeModel(ctx context.Context, tenant, storeID string) (string, error) {
	base := s.baseURL(tenant)

	var model json.RawMessage = s.modelDoc
	res, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[fgaWriteModelResponse], error) {
		return networking.FetchJSON[fgaWriteModelResponse](ctx, s.client,
			fmt.Sprintf("%s/stores/%s/authorization-models", base, storeID),
			networking.WithJSONBody(model))
	})
	if err != nil {
		return "", classifyFGAError("write model", err)
	}
	return res.Data.AuthorizationModelID, nil
}

// WriteTuples implements Store. Tuples are written one at a time in
// deterministic order; a tuple the backend already holds is not an error.
func (s *OpenFGAStore) WriteTuples(ctx context.Context, tenant string, tuples []Tuple) error {
	return s.mutateTuples(ctx, tenant, tuples, true)
}

// DeleteTuples implements Store. Missing tuples are not an error.
func (s *OpenFGAStore) DeleteTuples(ctx context.Context, tenant string, tuples []Tuple) error {
	return s.mutateTuples(ctx, tenant, tuples, false)
}

func (s *OpenFGAStore) mutateTuples(ctx context.Context, tenant string, tuples []Tuple, write bool) error {
	op := "delete"
	if write {
		op = "write"
	}

	ordered, err := orderedCopy(tuples)
	if err != nil {
		return NewRejectedError(op, err)
	}

	storeID, modelID, err := s.storeAndModel(ctx, tenant)
	if err != nil {
		return err
	}

	base := s.baseURL(tenant)
	writeURL := fmt.Sprintf("%s/stores/%s/write", base, storeID)

	for _, t := range ordered {
		req := fgaWriteRequest{ModelID: modelID}
		keys := &fgaTupleKeys{TupleKeys: []fgaTupleKey{toTupleKey(t)}}
		if write {
			req.Writes = keys
		} else {
			req.Deletes = keys
		}

		_, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[struct{}], error) {
			return networking.FetchJSON[struct{}](ctx, s.client, writeURL,
				networking.WithJSONBody(req),
				networking.WithErrorHandler(duplicateTolerantError))
		})
		if err != nil {
			if errors.Is(err, errTupleNoop) {
				continue
			}
			return classifyFGAError(op, err)
		}
	}
	return nil
}

// errTupleNoop marks a write/delete the backend reports as already applied.
var errTupleNoop = errors.New("tuple already in desired state")

// duplicateTolerantError turns the backend's duplicate-write and
// missing-delete rejections into errTupleNoop so mutations stay idempotent.
func duplicateTolerantError(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusBadRequest {
		return nil
	}
	var fgaErr fgaErrorBody
	if err := json.Unmarshal(body, &fgaErr); err != nil {
		return nil
	}
	msg := strings.ToLower(fgaErr.Message)
	if strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "cannot delete a tuple which does not exist") {
		return errTupleNoop
	}
	return nil
}

// Check implements Store.
func (s *OpenFGAStore) Check(ctx context.Context, tenant, user, relation, object string, contextual []Tuple) (bool, error) {
	storeID, modelID, err := s.storeAndModel(ctx, tenant)
	if err != nil {
		return false, err
	}

	req := fgaCheckRequest{
		TupleKey: fgaTupleKey{User: user, Relation: relation, Object: object},
		ModelID:  modelID,
	}
	if len(contextual) > 0 {
		keys := make([]fgaTupleKey, 0, len(contextual))
		for _, t := range contextual {
			keys = append(keys, toTupleKey(t))
		}
		req.ContextualTuples = &fgaTupleKeys{TupleKeys: keys}
	}

	checkURL := fmt.Sprintf("%s/stores/%s/check", s.baseURL(tenant), storeID)
	res, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[fgaCheckResponse], error) {
		return networking.FetchJSON[fgaCheckResponse](ctx, s.client, checkURL, networking.WithJSONBody(req))
	})
	if err != nil {
		return false, classifyFGAError("check", err)
	}
	return res.Data.Allowed, nil
}

// ReadTuples implements Store, draining the backend's pagination. In
// per-tenant mode an empty tenant fans the read out over every provisioned
// store.
func (s *OpenFGAStore) ReadTuples(ctx context.Context, tenant string, filter ReadFilter) ([]Tuple, error) {
	if tenant == "" && s.cfg.Mode == "per-tenant" {
		return s.readAllScopes(ctx, filter)
	}

	storeID, err := s.storeID(ctx, tenant)
	if err != nil {
		return nil, err
	}

	readURL := fmt.Sprintf("%s/stores/%s/read", s.baseURL(tenant), storeID)

	var key *fgaTupleKey
	if filter.User != "" || filter.Relation != "" || filter.Object != "" {
		key = &fgaTupleKey{User: filter.User, Relation: filter.Relation, Object: filter.Object}
	}

	var out []Tuple
	token := ""
	for {
		req := fgaReadRequest{TupleKey: key, PageSize: 100, ContinuationToken: token}
		res, err := retryFGA(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*networking.FetchResult[fgaReadResponse], error) {
			return networking.FetchJSON[fgaReadResponse](ctx, s.client, readURL, networking.WithJSONBody(req))
		})
		if err != nil {
			return nil, classifyFGAError("read", err)
		}
		for _, t := range res.Data.Tuples {
			out = append(out, Tuple{User: t.Key.User, Relation: t.Key.Relation, Object: t.Key.Object})
		}
		token = res.Data.ContinuationToken
		if token == "" {
			return out, nil
		}
	}
}

// readAllScopes unions a read across every tenant recorded in the store
// bookkeeping.
func (s *OpenFGAStore) readAllScopes(ctx context.Context, filter ReadFilter) ([]Tuple, error) {
	prefix := fmt.Sprintf("%s:fga:store:", s.keyPrefix)

	var tenants []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		tenants = append(tenants, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, NewUnavailableError("store enumeration", err)
	}
	sort.Strings(tenants)

	var out []Tuple
	for _, tenant := range tenants {
		tuples, err := s.ReadTuples(ctx, tenant, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, tuples...)
	}
	return out, nil
}

// Close implements Store.
func (*OpenFGAStore) Close() error { return nil }

// retryFGA runs a backend call with a per-attempt timeout and exponential
// backoff on retryable failures.
func retryFGA[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && !isRetryableFGAError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(4),
	)
}

// isRetryableFGAError treats transport failures and 5xx as retryable;
// every 4xx is a permanent rejection.
func isRetryableFGAError(err error) bool {
	if errors.Is(err, errTupleNoop) {
		return false
	}
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}

func classifyFGAError(op string, err error) error {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return NewRejectedError(op, err)
	}
	return NewUnavailableError(op, err)
}
