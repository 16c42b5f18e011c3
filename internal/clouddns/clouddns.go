// Package clouddns implements the idempotent Cloudflare DNS adapter:
// upsert/delete of A and AAAA records against a single zone, used by
// the prefix reconciler and the DDNS refresh cron. Upsert searches by
// (name, type) before deciding create vs update. The real client is
// narrowed to a small interface so the upsert/delete logic is
// testable without live Cloudflare credentials, the same
// injected-dependency pattern used by the firewall engine's exec
// function and the PD client's transport.
package clouddns

import (
	"context"
	"fmt"

	"github.com/cloudflare/cloudflare-go"

	"github.com/homeroute/homeroute/internal/apierr"
)

// Config configures the Cloudflare adapter.
type Config struct {
	APIToken string
	ZoneID   string
	Proxied  bool
}

// Record is the subset of a Cloudflare DNS record this adapter needs.
type Record struct {
	ID      string
	Type    string
	Name    string
	Content string
}

// client is the slice of cloudflare.API this adapter calls, narrowed
// so tests can supply a fake instead of hitting the live API.
type client interface {
	ListDNSRecords(ctx context.Context, name, recordType string) ([]Record, error)
	CreateDNSRecord(ctx context.Context, r Record, proxied bool) (Record, error)
	UpdateDNSRecord(ctx context.Context, r Record, proxied bool) error
	DeleteDNSRecord(ctx context.Context, id string) error
}

// Adapter wraps a Cloudflare API client scoped to a single zone.
type Adapter struct {
	cf client
}

// New constructs an Adapter backed by the real Cloudflare API.
func New(cfg Config) (*Adapter, error) {
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, apierr.External(err, "construct cloudflare client")
	}
	return &Adapter{cf: &liveClient{api: api, zoneID: cfg.ZoneID}}, nil
}

// newWithClient is used by tests to inject a fake client.
func newWithClient(c client) *Adapter { return &Adapter{cf: c} }

// BatchResult is one domain's outcome within a batch upsert, so partial
// failures surface per-domain without rolling back earlier successes.
type BatchResult struct {
	Name     string
	RecordID string
	Err      error
}

// UpsertAAAA finds an existing AAAA record named name and updates it,
// or creates one if absent. Returns the record's ID.
func (a *Adapter) UpsertAAAA(ctx context.Context, name, addr string, proxied bool) (string, error) {
	return a.upsert(ctx, name, "AAAA", addr, proxied)
}

// UpsertA finds an existing A record named name and updates it, or
// creates one if absent. Returns the record's ID.
func (a *Adapter) UpsertA(ctx context.Context, name, addr string, proxied bool) (string, error) {
	return a.upsert(ctx, name, "A", addr, proxied)
}

func (a *Adapter) upsert(ctx context.Context, name, recordType, addr string, proxied bool) (string, error) {
	existing, err := a.cf.ListDNSRecords(ctx, name, recordType)
	if err != nil {
		return "", apierr.External(err, "list %s records for %s", recordType, name)
	}

	if len(existing) > 0 {
		id := existing[0].ID
		err := a.cf.UpdateDNSRecord(ctx, Record{ID: id, Type: recordType, Name: name, Content: addr}, proxied)
		if err != nil {
			return "", apierr.External(err, "update %s record %s", recordType, name)
		}
		return id, nil
	}

	created, err := a.cf.CreateDNSRecord(ctx, Record{Type: recordType, Name: name, Content: addr}, proxied)
	if err != nil {
		return "", apierr.External(err, "create %s record %s", recordType, name)
	}
	return created.ID, nil
}

// Delete removes the record by ID.
func (a *Adapter) Delete(ctx context.Context, recordID string) error {
	if err := a.cf.DeleteDNSRecord(ctx, recordID); err != nil {
		return apierr.External(err, "delete record %s", recordID)
	}
	return nil
}

// Target is one (name, address) pair to upsert in a batch.
type Target struct {
	Name string
	Addr string
	AAAA bool
}

// UpsertBatch upserts every target, collecting per-target errors rather
// than aborting or rolling back on the first failure.
func (a *Adapter) UpsertBatch(ctx context.Context, targets []Target, proxied bool) []BatchResult {
	results := make([]BatchResult, 0, len(targets))
	for _, t := range targets {
		var id string
		var err error
		if t.AAAA {
			id, err = a.UpsertAAAA(ctx, t.Name, t.Addr, proxied)
		} else {
			id, err = a.UpsertA(ctx, t.Name, t.Addr, proxied)
		}
		if err != nil {
			results = append(results, BatchResult{Name: t.Name, Err: fmt.Errorf("%s: %w", t.Name, err)})
			continue
		}
		results = append(results, BatchResult{Name: t.Name, RecordID: id})
	}
	return results
}

// liveClient adapts cloudflare.API to the client interface.
type liveClient struct {
	api    *cloudflare.API
	zoneID string
}

func (c *liveClient) ListDNSRecords(ctx context.Context, name, recordType string) ([]Record, error) {
	zone := cloudflare.ZoneIdentifier(c.zoneID)
	recs, _, err := c.api.ListDNSRecords(ctx, zone, cloudflare.ListDNSRecordsParams{Name: name, Type: recordType})
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = Record{ID: r.ID, Type: r.Type, Name: r.Name, Content: r.Content}
	}
	return out, nil
}

func (c *liveClient) CreateDNSRecord(ctx context.Context, r Record, proxied bool) (Record, error) {
	zone := cloudflare.ZoneIdentifier(c.zoneID)
	created, err := c.api.CreateDNSRecord(ctx, zone, cloudflare.CreateDNSRecordParams{
		Type: r.Type, Name: r.Name, Content: r.Content, Proxied: &proxied,
	})
	if err != nil {
		return Record{}, err
	}
	return Record{ID: created.Result.ID, Type: created.Result.Type, Name: created.Result.Name, Content: created.Result.Content}, nil
}

func (c *liveClient) UpdateDNSRecord(ctx context.Context, r Record, proxied bool) error {
	zone := cloudflare.ZoneIdentifier(c.zoneID)
	return c.api.UpdateDNSRecord(ctx, zone, cloudflare.UpdateDNSRecordParams{
		ID: r.ID, Type: r.Type, Name: r.Name, Content: r.Content, Proxied: &proxied,
	})
}

func (c *liveClient) DeleteDNSRecord(ctx context.Context, id string) error {
	zone := cloudflare.ZoneIdentifier(c.zoneID)
	return c.api.DeleteDNSRecord(ctx, zone, id)
}
