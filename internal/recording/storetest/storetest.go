// Package storetest is a conformance suite for [recording.Store]
// implementations. Each backend's tests call [Run] with a constructor that
// returns an empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/pkg/debate"
)

// Run exercises the full Store contract against stores built by newStore.
// newStore must return an empty store and arrange its own cleanup.
func Run(t *testing.T, newStore func(t *testing.T) recording.Store) {
	t.Helper()

	t.Run("SaveGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC)
		rec := sample("r1", "s1", at)
		rec.RemoteID = "speech-9"
		rec.Feedback = "https://feedback.example/9"
		rec.UploadStatus = recording.UploadUploaded
		rec.ProcessingStatus = recording.ProcessingComplete
		rec.UploadProgress = 1
		rec.FailureKind = recording.FailureNone

		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !equal(got, rec) {
			t.Fatalf("Get = %+v, want %+v", got, rec)
		}
	})

	t.Run("SaveIsUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := sample("r1", "s1", time.Now().UTC())
		if err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}
		rec.UploadStatus = recording.UploadFailed
		rec.FailureKind = recording.FailureExhausted
		rec.FailureReason = "Max retry attempts reached"
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("second Save: %v", err)
		}
		got, err := s.Get(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if got.UploadStatus != recording.UploadFailed || got.FailureKind != recording.FailureExhausted || got.FailureReason != rec.FailureReason {
			t.Fatalf("upsert lost fields: %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, recording.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListBySessionInCreationOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
		for _, rec := range []recording.SpeechRecording{
			sample("c", "s1", base.Add(2*time.Minute)),
			sample("a", "s1", base),
			sample("b", "s1", base.Add(time.Minute)),
			sample("z", "s2", base),
		} {
			if err := s.Save(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.List(ctx, "s1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
			t.Fatalf("List = %v", ids(got))
		}
		empty, err := s.List(ctx, "none")
		if err != nil || empty == nil || len(empty) != 0 {
			t.Fatalf("List(none) = %#v, %v; want empty non-nil", empty, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, sample("r1", "s1", time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, "r1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "r1"); !errors.Is(err, recording.ErrNotFound) {
			t.Fatalf("Get after delete err = %v", err)
		}
		if err := s.Delete(ctx, "r1"); err != nil {
			t.Fatalf("Delete of missing recording: %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func sample(id, session string, at time.Time) recording.SpeechRecording {
	return recording.New(id, session, debate.SpeakerSlot{StudentID: "alice", Position: "Prop 1"}, "/var/podium/"+id+".wav", 481.25, at)
}

func ids(recs []recording.SpeechRecording) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// equal compares recordings with time fields truncated to microseconds, the
// resolution of the SQL backends.
func equal(a, b recording.SpeechRecording) bool {
	if !a.CreatedAt.Truncate(time.Microsecond).Equal(b.CreatedAt.Truncate(time.Microsecond)) ||
		!a.UpdatedAt.Truncate(time.Microsecond).Equal(b.UpdatedAt.Truncate(time.Microsecond)) {
		return false
	}
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}
