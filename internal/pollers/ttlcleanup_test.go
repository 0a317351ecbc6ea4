package pollers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
)

type fakeTagLister struct {
	objects []db.InventoryObject
	tags    map[uuid.UUID][]db.InventoryTag
}

func (f *fakeTagLister) ObjectsByTagName(ctx context.Context, tagName string) ([]db.InventoryObject, error) {
	return f.objects, nil
}

func (f *fakeTagLister) TagsForObject(ctx context.Context, objectID uuid.UUID) ([]db.InventoryTag, error) {
	return f.tags[objectID], nil
}

type fakeDestroyDispatcher struct {
	dispatched     []string
	alreadyRunning map[string]bool
}

func (f *fakeDestroyDispatcher) DispatchDestroy(ctx context.Context, resolver jobrunner.ServiceResolver, service, hostname string, identity jobrunner.Identity) (*jobrunner.Job, bool, error) {
	if f.alreadyRunning[hostname] {
		return nil, false, nil
	}
	f.dispatched = append(f.dispatched, hostname)
	return &jobrunner.Job{}, true, nil
}

func newInventoryObject(id uuid.UUID, createdAt time.Time, data string) db.InventoryObject {
	o := db.InventoryObject{}
	o.ID = id
	o.CreatedAt = createdAt
	o.Data = data
	return o
}

func TestTTLCleanupDestroysExpiredInstance(t *testing.T) {
	objID := uuid.New()
	createdAt := time.Now().UTC().Add(-48 * time.Hour)
	obj := newInventoryObject(objID, createdAt, `{"hostname":"box-1"}`)

	tags := &fakeTagLister{
		objects: []db.InventoryObject{obj},
		tags: map[uuid.UUID][]db.InventoryTag{
			objID: {
				{Name: "personal-instance"},
				{Name: "pi-ttl:24"},
				{Name: "pi-service:web"},
				{Name: "pi-user:alice"},
			},
		},
	}
	dispatcher := &fakeDestroyDispatcher{}
	p := NewTTLCleanupPoller(tags, dispatcher, nil, t.TempDir(), zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != "box-1" {
		t.Fatalf("expected box-1 to be destroyed, got %v", dispatcher.dispatched)
	}
}

func TestTTLCleanupSkipsUnexpiredInstance(t *testing.T) {
	objID := uuid.New()
	createdAt := time.Now().UTC().Add(-1 * time.Hour)
	obj := newInventoryObject(objID, createdAt, `{"hostname":"box-2"}`)

	tags := &fakeTagLister{
		objects: []db.InventoryObject{obj},
		tags: map[uuid.UUID][]db.InventoryTag{
			objID: {{Name: "personal-instance"}, {Name: "pi-ttl:24"}, {Name: "pi-service:web"}},
		},
	}
	dispatcher := &fakeDestroyDispatcher{}
	p := NewTTLCleanupPoller(tags, dispatcher, nil, t.TempDir(), zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("expected no destroys, got %v", dispatcher.dispatched)
	}
}

func TestTTLCleanupSkipsMissingServiceTag(t *testing.T) {
	objID := uuid.New()
	createdAt := time.Now().UTC().Add(-48 * time.Hour)
	obj := newInventoryObject(objID, createdAt, `{"hostname":"box-3"}`)

	tags := &fakeTagLister{
		objects: []db.InventoryObject{obj},
		tags: map[uuid.UUID][]db.InventoryTag{
			objID: {{Name: "personal-instance"}, {Name: "pi-ttl:24"}},
		},
	}
	dispatcher := &fakeDestroyDispatcher{}
	p := NewTTLCleanupPoller(tags, dispatcher, nil, t.TempDir(), zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("expected no destroys without a pi-service tag, got %v", dispatcher.dispatched)
	}
}

func TestTTLCleanupZeroTTLNeverExpires(t *testing.T) {
	objID := uuid.New()
	createdAt := time.Now().UTC().Add(-10000 * time.Hour)
	obj := newInventoryObject(objID, createdAt, `{"hostname":"box-4"}`)

	tags := &fakeTagLister{
		objects: []db.InventoryObject{obj},
		tags: map[uuid.UUID][]db.InventoryTag{
			objID: {{Name: "personal-instance"}, {Name: "pi-service:web"}},
		},
	}
	dispatcher := &fakeDestroyDispatcher{}
	p := NewTTLCleanupPoller(tags, dispatcher, nil, t.TempDir(), zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("expected no destroys with no pi-ttl tag (ttlHours==0), got %v", dispatcher.dispatched)
	}
}

func TestDestroyScriptRejectsPathTraversalServiceName(t *testing.T) {
	p := NewTTLCleanupPoller(&fakeTagLister{}, &fakeDestroyDispatcher{}, nil, t.TempDir(), zap.NewNop())

	if got := p.destroyScript("../../etc"); got != "destroy" {
		t.Fatalf("expected fallback \"destroy\" for a path-traversal service name, got %q", got)
	}
}

func TestDestroyScriptFallsBackWhenNoPersonalYAML(t *testing.T) {
	p := NewTTLCleanupPoller(&fakeTagLister{}, &fakeDestroyDispatcher{}, nil, t.TempDir(), zap.NewNop())

	if got := p.destroyScript("web"); got != "destroy" {
		t.Fatalf("expected fallback \"destroy\" with no personal.yaml present, got %q", got)
	}
}
