package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bturcanu/toolmesh/pkg/evidence"
)

type fakeStore struct {
	checkpoints map[string]evidence.Checkpoint
	links       map[string][]evidence.ChainLink
}

func (f *fakeStore) ListTenantIDs(context.Context) ([]string, error) {
	return []string{"t1", "t2"}, nil
}

func (f *fakeStore) ChainLinks(_ context.Context, tenantID string, afterSeq int64) ([]evidence.ChainLink, error) {
	var out []evidence.ChainLink
	for _, l := range f.links[tenantID] {
		if l.Seq > afterSeq {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) GetArchiveCheckpoint(_ context.Context, tenantID string) (evidence.Checkpoint, error) {
	return f.checkpoints[tenantID], nil
}

func (f *fakeStore) UpsertArchiveCheckpoint(_ context.Context, tenantID string, cp evidence.Checkpoint) error {
	f.checkpoints[tenantID] = cp
	return nil
}

type fakeUploader struct {
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.objects[key] = body
	return nil
}

func chain(n int) []evidence.ChainLink {
	links := make([]evidence.ChainLink, n)
	prev := ""
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range links {
		payload := []byte(`{"n":` + string(rune('0'+i)) + `}`)
		h := evidence.ChainHash(prev, payload, nil)
		links[i] = evidence.ChainLink{
			Seq: int64(i + 1), EventID: "e" + string(rune('1'+i)),
			Hash: h, PrevHash: prev, CanonPayload: payload,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}
		prev = h
	}
	return links
}

func newService(store *fakeStore, up *fakeUploader) *Service {
	s := New(store, up, nil)
	s.now = func() time.Time { return time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestArchiveTenant_BundleAndCheckpoint(t *testing.T) {
	links := chain(3)
	store := &fakeStore{checkpoints: map[string]evidence.Checkpoint{}, links: map[string][]evidence.ChainLink{"t1": links}}
	up := &fakeUploader{objects: map[string][]byte{}}
	s := newService(store, up)

	key, err := s.ArchiveTenant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ArchiveTenant: %v", err)
	}
	if !strings.HasPrefix(key, "evidence/t1/2024/02/03/") {
		t.Errorf("key = %s", key)
	}
	var b Bundle
	if err := json.Unmarshal(up.objects[key], &b); err != nil {
		t.Fatal(err)
	}
	if b.EventCount != 3 || b.Checkpoint != links[2].Hash || b.AnchorHash != "" {
		t.Errorf("bundle = %+v", b)
	}
	if cp := store.checkpoints["t1"]; cp.LastSeq != 3 || cp.LastHash != links[2].Hash {
		t.Errorf("checkpoint = %+v", cp)
	}

	// Nothing new since the checkpoint.
	key, err = s.ArchiveTenant(context.Background(), "t1")
	if err != nil || key != "" {
		t.Fatalf("second pass = %q, %v", key, err)
	}
}

func TestArchiveTenant_ContinuesFromCheckpoint(t *testing.T) {
	links := chain(4)
	store := &fakeStore{
		checkpoints: map[string]evidence.Checkpoint{"t1": {LastSeq: 2, LastHash: links[1].Hash}},
		links:       map[string][]evidence.ChainLink{"t1": links},
	}
	up := &fakeUploader{objects: map[string][]byte{}}

	key, err := newService(store, up).ArchiveTenant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ArchiveTenant: %v", err)
	}
	var b Bundle
	json.Unmarshal(up.objects[key], &b)
	if b.EventCount != 2 || b.AnchorHash != links[1].Hash {
		t.Errorf("bundle = %+v", b)
	}
}

func TestArchiveTenant_TamperedChainNotUploaded(t *testing.T) {
	links := chain(3)
	links[1].CanonPayload = []byte(`{"edited":true}`)
	store := &fakeStore{checkpoints: map[string]evidence.Checkpoint{}, links: map[string][]evidence.ChainLink{"t1": links}}
	up := &fakeUploader{objects: map[string][]byte{}}

	_, err := newService(store, up).ArchiveTenant(context.Background(), "t1")
	var cb *evidence.ChainBreak
	if !errors.As(err, &cb) || cb.Index != 1 {
		t.Fatalf("err = %v, want chain break at 1", err)
	}
	if len(up.objects) != 0 {
		t.Error("tampered chain must not be uploaded")
	}
	if _, ok := store.checkpoints["t1"]; ok {
		t.Error("checkpoint must not advance")
	}
}

func TestArchiveAll(t *testing.T) {
	store := &fakeStore{
		checkpoints: map[string]evidence.Checkpoint{},
		links:       map[string][]evidence.ChainLink{"t1": chain(2), "t2": chain(1)},
	}
	up := &fakeUploader{objects: map[string][]byte{}}
	n, err := newService(store, up).ArchiveAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ArchiveAll = %d, %v", n, err)
	}

	up.err = errors.New("bucket gone")
	store.links["t1"] = chain(3)
	n, err = newService(store, up).ArchiveAll(context.Background(), "t1")
	if err != nil || n != 0 {
		t.Fatalf("upload failure should be logged, not returned: %d, %v", n, err)
	}
}
