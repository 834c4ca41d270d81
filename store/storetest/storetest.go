// Package storetest provides an in-memory store and fixtures for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

// BaseURL is the base URL fixtures mint local FQIDs under.
const BaseURL = "http://local.test"

// Minter mints under BaseURL.
var Minter = fqid.NewMinter(BaseURL)

// NewDB opens a migrated in-memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// New returns a Store over NewDB.
func New(t testing.TB) *store.Store {
	t.Helper()
	return store.NewStore(NewDB(t))
}

// LocalAuthor creates an approved local author.
func LocalAuthor(t testing.TB, s *store.Store, name string) types.Author {
	t.Helper()

	id := uuid.NewString()
	author, err := s.CreateAuthor(context.Background(), types.Author{
		ID:          id,
		FQID:        Minter.Author(id),
		DisplayName: name,
		Host:        Minter.Host(),
		ProfileURL:  Minter.AuthorPage(id),
		IsApproved:  true,
	})
	if err != nil {
		t.Fatalf("create local author: %v", err)
	}
	return author
}

// RemoteAuthor upserts an author living on host (e.g. "http://peer.test").
func RemoteAuthor(t testing.TB, s *store.Store, host, serial, name string) types.Author {
	t.Helper()

	m := fqid.NewMinter(host)
	author, err := s.UpsertAuthor(context.Background(), types.Author{
		FQID:        m.Author(serial),
		DisplayName: name,
		Host:        m.Host(),
		ProfileURL:  m.AuthorPage(serial),
	})
	if err != nil {
		t.Fatalf("upsert remote author: %v", err)
	}
	return author
}

// LocalPost creates a post by a local author.
func LocalPost(t testing.TB, s *store.Store, author types.Author, visibility types.Visibility, content string) types.Post {
	t.Helper()

	id := uuid.NewString()
	post, err := s.CreatePost(context.Background(), types.Post{
		ID:          id,
		FQID:        Minter.Post(author.ID, id),
		AuthorID:    author.ID,
		Title:       "title",
		ContentType: types.ContentTypePlain,
		Content:     content,
		Visibility:  visibility,
		PageURL:     Minter.PostPage(author.ID, id),
		Published:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	return post
}

// Follow creates a follow edge.
func Follow(t testing.TB, s *store.Store, from, to types.Author) {
	t.Helper()

	if _, _, err := s.CreateFollow(context.Background(), from.ID, to.ID); err != nil {
		t.Fatalf("create follow: %v", err)
	}
}

// Node registers an active peer.
func Node(t testing.TB, s *store.Store, host string, caps types.NodeCapabilities) types.Node {
	t.Helper()

	node := types.Node{
		Host:     host,
		Username: "us",
		Password: "secret",
		IsActive: true,
	}
	node.Capabilities = datatypes.NewJSONType(caps)
	node, err := s.CreateNode(context.Background(), node)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	return node
}
