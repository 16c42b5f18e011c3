package clouddns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	records   map[string]Record // id -> record
	nextID    int
	failList  bool
	failWrite bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{records: make(map[string]Record)}
}

func (f *fakeClient) ListDNSRecords(ctx context.Context, name, recordType string) ([]Record, error) {
	if f.failList {
		return nil, assertErr
	}
	var out []Record
	for _, r := range f.records {
		if r.Name == name && r.Type == recordType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeClient) CreateDNSRecord(ctx context.Context, r Record, proxied bool) (Record, error) {
	if f.failWrite {
		return Record{}, assertErr
	}
	f.nextID++
	r.ID = itoa(f.nextID)
	f.records[r.ID] = r
	return r, nil
}

func (f *fakeClient) UpdateDNSRecord(ctx context.Context, r Record, proxied bool) error {
	if f.failWrite {
		return assertErr
	}
	f.records[r.ID] = r
	return nil
}

func (f *fakeClient) DeleteDNSRecord(ctx context.Context, id string) error {
	if _, ok := f.records[id]; !ok {
		return assertErr
	}
	delete(f.records, id)
	return nil
}

var assertErr = errString("simulated failure")

type errString string

func (e errString) Error() string { return string(e) }

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}

func TestUpsertAAAACreatesWhenAbsent(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	id, err := a.UpsertAAAA(context.Background(), "app.example.com", "2001:db8::1", true)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "2001:db8::1", fc.records[id].Content)
}

func TestUpsertAAAAUpdatesWhenPresent(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	id, err := a.UpsertAAAA(context.Background(), "app.example.com", "2001:db8::1", true)
	require.NoError(t, err)

	id2, err := a.UpsertAAAA(context.Background(), "app.example.com", "2001:db8::2", true)
	require.NoError(t, err)
	require.Equal(t, id, id2, "upsert must reuse the existing record ID")
	require.Equal(t, "2001:db8::2", fc.records[id].Content)
	require.Len(t, fc.records, 1, "must not create a duplicate record")
}

func TestUpsertAAndAAAADoNotCollide(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	_, err := a.UpsertA(context.Background(), "app.example.com", "203.0.113.1", false)
	require.NoError(t, err)
	_, err = a.UpsertAAAA(context.Background(), "app.example.com", "2001:db8::1", false)
	require.NoError(t, err)

	require.Len(t, fc.records, 2)
}

func TestUpsertSurfacesListFailure(t *testing.T) {
	fc := newFakeClient()
	fc.failList = true
	a := newWithClient(fc)

	_, err := a.UpsertAAAA(context.Background(), "app.example.com", "2001:db8::1", false)
	require.Error(t, err)
}

func TestDeleteRemovesRecord(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	id, err := a.UpsertA(context.Background(), "app.example.com", "203.0.113.1", false)
	require.NoError(t, err)

	require.NoError(t, a.Delete(context.Background(), id))
	require.NotContains(t, fc.records, id)
}

func TestDeleteUnknownIDReturnsError(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	err := a.Delete(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestUpsertBatchRecordsPerDomainErrorsWithoutRollingBack(t *testing.T) {
	fc := newFakeClient()
	a := newWithClient(fc)

	results := a.UpsertBatch(context.Background(), []Target{
		{Name: "ok.example.com", Addr: "203.0.113.1"},
		{Name: "also-ok.example.com", Addr: "2001:db8::1", AAAA: true},
	}, false)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.RecordID)
	}

	fc.failWrite = true
	results = a.UpsertBatch(context.Background(), []Target{
		{Name: "fails.example.com", Addr: "203.0.113.2"},
	}, false)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)

	// Earlier successes (from before failWrite was set) remain intact.
	require.Len(t, fc.records, 2)
}
