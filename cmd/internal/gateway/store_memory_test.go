package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_FindOrCreateRoom_TitleUnique(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	first, err := st.FindOrCreateRoom(ctx, "Support#acme")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := st.FindOrCreateRoom(ctx, "Support#acme")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same title resolved to distinct rooms: %d vs %d", first.ID, second.ID)
	}

	// Case-insensitive: a differently cased title is the same room.
	third, err := st.FindOrCreateRoom(ctx, "support#ACME")
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.ID != first.ID {
		t.Fatalf("case variant created a new room: %d vs %d", third.ID, first.ID)
	}
	if third.Name != "Support#acme" {
		t.Fatalf("expected original title preserved, got %q", third.Name)
	}
}

func TestMemoryStore_ListRooms_Filter(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"Support#a", "Support#b", "Support#c"} {
		if _, err := st.FindOrCreateRoom(ctx, name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	all, err := st.ListRooms(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(all))
	}

	hit, err := st.ListRooms(ctx, "Support#b")
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(hit) != 1 || hit[0].Name != "Support#b" {
		t.Fatalf("filter mismatch: %+v", hit)
	}

	miss, err := st.ListRooms(ctx, "Support#zzz")
	if err != nil {
		t.Fatalf("list miss: %v", err)
	}
	if len(miss) != 0 {
		t.Fatalf("expected empty on miss, got %+v", miss)
	}
}

func TestMemoryStore_CreateMessage_DedupePerToken(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	room, err := st.FindOrCreateRoom(ctx, "Support#dedupe")
	if err != nil {
		t.Fatalf("room: %v", err)
	}

	in := CreateMessageInput{
		RoomID: room.ID,
		TempID: "tmp-abc",
		Body:   "hello",
		Now:    time.Now().UTC(),
	}

	first, err := st.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Duplicated {
		t.Fatal("first create reported duplicated")
	}

	second, err := st.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicated {
		t.Fatal("retry of same token not reported duplicated")
	}
	if second.Stored.ID != first.Stored.ID {
		t.Fatalf("retry returned a different record: %d vs %d", second.Stored.ID, first.Stored.ID)
	}

	msgs, err := st.ListMessages(ctx, room.ID, 1, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}

	got, found, err := st.GetMessageByToken(ctx, room.ID, "tmp-abc")
	if err != nil || !found {
		t.Fatalf("token lookup: found=%v err=%v", found, err)
	}
	if got.ID != first.Stored.ID {
		t.Fatalf("token lookup mismatch: %d vs %d", got.ID, first.Stored.ID)
	}
}

func TestMemoryStore_ListMessages_NewestWindowAscending(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	room, err := st.FindOrCreateRoom(ctx, "Support#pages")
	if err != nil {
		t.Fatalf("room: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := st.CreateMessage(ctx, CreateMessageInput{
			RoomID: room.ID,
			TempID: fmt.Sprintf("tmp-%d", i),
			Body:   fmt.Sprintf("m%d", i),
			Now:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	// Page 1 holds the newest two, oldest first within the page.
	page1, err := st.ListMessages(ctx, room.ID, 1, 2)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || page1[0].Body != "m3" || page1[1].Body != "m4" {
		t.Fatalf("page1 mismatch: %+v", page1)
	}

	page2, err := st.ListMessages(ctx, room.ID, 2, 2)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 || page2[0].Body != "m1" || page2[1].Body != "m2" {
		t.Fatalf("page2 mismatch: %+v", page2)
	}

	page3, err := st.ListMessages(ctx, room.ID, 3, 2)
	if err != nil {
		t.Fatalf("page3: %v", err)
	}
	if len(page3) != 1 || page3[0].Body != "m0" {
		t.Fatalf("page3 mismatch: %+v", page3)
	}
}

func TestMemoryStore_UnknownRoom(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.GetRoom(ctx, 42); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("GetRoom: expected ErrRoomNotFound, got %v", err)
	}
	if _, err := st.ListMessages(ctx, 42, 1, 10); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("ListMessages: expected ErrRoomNotFound, got %v", err)
	}
	_, err := st.CreateMessage(ctx, CreateMessageInput{RoomID: 42, Body: "x"})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("CreateMessage: expected ErrRoomNotFound, got %v", err)
	}
}
