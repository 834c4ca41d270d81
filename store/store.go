package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("store")

// Store is the repository of the node.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Author{},
		&types.Account{},
		&types.Post{},
		&types.Comment{},
		&types.Like{},
		&types.FollowRequest{},
		&types.Follow{},
		&types.InboxItem{},
		&types.Node{},
		&types.InstanceKey{},
	)
}

// Tx runs fn against a Store bound to one transaction.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	ctx, span := tracer.Start(ctx, "StoreTx")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Store{db: db})
	})
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrap(types.ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrap(types.ErrConflict, what)
	}
	return errors.Wrap(err, what)
}

func paginate(p types.Page) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(p.Offset()).Limit(p.Size)
	}
}

// ---------------------------------------------------------------------
// authors

var authorDisplayColumns = []string{"display_name", "profile_image_url", "host", "github", "profile_url"}

// CreateAuthor creates a local author.
func (s *Store) CreateAuthor(ctx context.Context, author types.Author) (types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateAuthor")
	defer span.End()

	if author.ID == "" {
		author.ID = uuid.NewString()
	}
	author.IsLocal = true
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&author).Error
	return author, translate(err, "create author")
}

// GetAuthorByID returns an author by local id.
func (s *Store) GetAuthorByID(ctx context.Context, id string) (types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreGetAuthorByID")
	defer span.End()

	var author types.Author
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&author).Error
	return author, translate(err, "author "+id)
}

// GetAuthorByFQID returns an author by fqid.
func (s *Store) GetAuthorByFQID(ctx context.Context, fqid string) (types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreGetAuthorByFQID")
	defer span.End()

	var author types.Author
	err := s.db.WithContext(ctx).Where("fqid = ?", fqid).First(&author).Error
	return author, translate(err, "author "+fqid)
}

// ListLocalAuthors returns approved local authors.
func (s *Store) ListLocalAuthors(ctx context.Context, page types.Page) ([]types.Author, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListLocalAuthors")
	defer span.End()

	var count int64
	query := s.db.WithContext(ctx).Model(&types.Author{}).Where("is_local = ? AND is_approved = ?", true, true)
	if err := query.Count(&count).Error; err != nil {
		return nil, 0, translate(err, "count authors")
	}

	var authors []types.Author
	err := s.db.WithContext(ctx).
		Where("is_local = ? AND is_approved = ?", true, true).
		Order("display_name ASC, id ASC").
		Scopes(paginate(page)).
		Find(&authors).Error
	return authors, count, translate(err, "list authors")
}

// SearchAuthors matches display names case-insensitively.
func (s *Store) SearchAuthors(ctx context.Context, q string, limit int) ([]types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreSearchAuthors")
	defer span.End()

	var authors []types.Author
	err := s.db.WithContext(ctx).
		Where("LOWER(display_name) LIKE ?", "%"+strings.ToLower(q)+"%").
		Where("(is_local = ? OR is_approved = ?)", false, true).
		Order("display_name ASC").
		Limit(limit).
		Find(&authors).Error
	return authors, translate(err, "search authors")
}

// SetAuthorApproval approves or revokes a local author.
func (s *Store) SetAuthorApproval(ctx context.Context, id string, approved bool) error {
	ctx, span := tracer.Start(ctx, "StoreSetAuthorApproval")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Author{}).Where("id = ? AND is_local = ?", id, true).Update("is_approved", approved)
	if result.Error != nil {
		return translate(result.Error, "approve author")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(types.ErrNotFound, "author "+id)
	}
	return nil
}

// UpdateAuthorProfile replaces the editable profile fields of a local author.
func (s *Store) UpdateAuthorProfile(ctx context.Context, id, displayName, github, profileImage string) (types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateAuthorProfile")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Author{}).Where("id = ? AND is_local = ?", id, true).Updates(map[string]any{
		"display_name":      displayName,
		"github":            github,
		"profile_image_url": profileImage,
	})
	if result.Error != nil {
		span.RecordError(result.Error)
		return types.Author{}, translate(result.Error, "update profile")
	}
	if result.RowsAffected == 0 {
		return types.Author{}, errors.Wrap(types.ErrNotFound, "author "+id)
	}
	return s.GetAuthorByID(ctx, id)
}

// UpsertAuthor merges a remote author keyed by fqid.
// Stored local authors are never modified by remote payloads.
func (s *Store) UpsertAuthor(ctx context.Context, author types.Author) (types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertAuthor")
	defer span.End()

	var existing types.Author
	err := s.db.WithContext(ctx).Where("fqid = ?", author.FQID).First(&existing).Error
	if err == nil {
		if existing.IsLocal {
			return existing, nil
		}
		err = s.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"display_name":      author.DisplayName,
			"profile_image_url": author.ProfileImageURL,
			"host":              author.Host,
			"github":            author.Github,
			"profile_url":       author.ProfileURL,
		}).Error
		if err != nil {
			span.RecordError(err)
			return types.Author{}, translate(err, "update author")
		}
		return s.GetAuthorByFQID(ctx, author.FQID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		return types.Author{}, translate(err, "lookup author")
	}

	author.ID = uuid.NewString()
	author.IsLocal = false
	author.IsApproved = true
	err = s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fqid"}},
		DoUpdates: clause.AssignmentColumns(authorDisplayColumns),
	}).Create(&author).Error
	if err != nil {
		span.RecordError(err)
		return types.Author{}, translate(err, "insert author")
	}
	return s.GetAuthorByFQID(ctx, author.FQID)
}

// ---------------------------------------------------------------------
// accounts

// CreateAccount creates the credentials of a local author.
func (s *Store) CreateAccount(ctx context.Context, account types.Account) (types.Account, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateAccount")
	defer span.End()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&account).Error
	return account, translate(err, "create account")
}

// GetAccountByUsername returns an account with its author.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (types.Account, error) {
	ctx, span := tracer.Start(ctx, "StoreGetAccountByUsername")
	defer span.End()

	var account types.Account
	err := s.db.WithContext(ctx).Preload("Author").Where("username = ?", username).First(&account).Error
	return account, translate(err, "account "+username)
}

// ---------------------------------------------------------------------
// nodes

// CreateNode registers a peer.
func (s *Store) CreateNode(ctx context.Context, node types.Node) (types.Node, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateNode")
	defer span.End()

	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(&node).Error
	return node, translate(err, "create node")
}

// ListNodes returns every registered node.
func (s *Store) ListNodes(ctx context.Context) ([]types.Node, error) {
	ctx, span := tracer.Start(ctx, "StoreListNodes")
	defer span.End()

	var nodes []types.Node
	err := s.db.WithContext(ctx).Order("host ASC").Find(&nodes).Error
	return nodes, translate(err, "list nodes")
}

// GetActiveNodes returns nodes eligible for delivery.
func (s *Store) GetActiveNodes(ctx context.Context) ([]types.Node, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActiveNodes")
	defer span.End()

	var nodes []types.Node
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&nodes).Error
	return nodes, translate(err, "list active nodes")
}

// GetNodeByID returns a node by id.
func (s *Store) GetNodeByID(ctx context.Context, id string) (types.Node, error) {
	ctx, span := tracer.Start(ctx, "StoreGetNodeByID")
	defer span.End()

	var node types.Node
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&node).Error
	return node, translate(err, "node "+id)
}

// GetNodeByIncomingUsername returns the active node authenticating as username.
func (s *Store) GetNodeByIncomingUsername(ctx context.Context, username string) (types.Node, error) {
	ctx, span := tracer.Start(ctx, "StoreGetNodeByIncomingUsername")
	defer span.End()

	var node types.Node
	err := s.db.WithContext(ctx).Where("incoming_username = ? AND is_active = ?", username, true).First(&node).Error
	return node, translate(err, "node "+username)
}

// SetNodeActive enables or disables a node.
func (s *Store) SetNodeActive(ctx context.Context, host string, active bool) error {
	ctx, span := tracer.Start(ctx, "StoreSetNodeActive")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Node{}).Where("host = ?", host).Update("is_active", active)
	if result.Error != nil {
		return translate(result.Error, "update node")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(types.ErrNotFound, "node "+host)
	}
	return nil
}

// ---------------------------------------------------------------------
// instance key

// EnsureInstanceKey returns the signing key, generating one on first use.
func (s *Store) EnsureInstanceKey(ctx context.Context) (types.InstanceKey, error) {
	ctx, span := tracer.Start(ctx, "StoreEnsureInstanceKey")
	defer span.End()

	var key types.InstanceKey
	err := s.db.WithContext(ctx).Order("c_date ASC").First(&key).Error
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return key, translate(err, "load instance key")
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return key, errors.Wrap(err, "generate instance key")
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return key, errors.Wrap(err, "marshal public key")
	}

	key = types.InstanceKey{
		ID:         uuid.NewString(),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})),
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
	}
	err = s.db.WithContext(ctx).Create(&key).Error
	return key, translate(err, "save instance key")
}

// LoadKey parses the private half of key.
func (s *Store) LoadKey(key types.InstanceKey) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(key.PrivateKey))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DER encoded private key")
	}

	return priv, nil
}
