package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username  string    `gorm:"type:varchar(100);uniqueIndex;not null"`
	Email     *string   `gorm:"type:varchar(255)"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type File struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	FilePath  string    `gorm:"type:varchar(1000);uniqueIndex;not null"`
	FileName  string    `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type FileSession struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	FileID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	StartedAt    time.Time  `gorm:"not null"`
	LastActivity time.Time  `gorm:"not null"`
	EndedAt      *time.Time `gorm:"index"`
	HashBefore   *string    `gorm:"type:varchar(64)"`
	HashAfter    *string    `gorm:"type:varchar(64)"`
	IsCommented  bool       `gorm:"not null;default:false"`
	ResumeCount  int        `gorm:"not null;default:0"`
	User         User       `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	File         File       `gorm:"foreignKey:FileID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type FileEvent struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SessionID      uuid.UUID         `gorm:"type:uuid;not null;index"`
	EventType      string            `gorm:"type:varchar(20);not null"`
	FileHash       *string           `gorm:"type:varchar(64)"`
	EventTimestamp time.Time         `gorm:"not null"`
	Details        datatypes.JSONMap `json:"details,omitempty"`
	Session        FileSession       `gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Comment struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID   `gorm:"type:uuid;uniqueIndex;not null"`
	UserID     uuid.UUID   `gorm:"type:uuid;not null;index"`
	Content    string      `gorm:"type:text;not null"`
	ChangeType string      `gorm:"type:varchar(50);not null;default:'other';index"`
	CreatedAt  time.Time   `gorm:"not null;autoCreateTime"`
	Session    FileSession `gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User       User        `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type SentReminder struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID      `gorm:"type:uuid;not null;index"`
	SessionIDs datatypes.JSON `json:"session_ids"`
	SentAt     time.Time      `gorm:"not null;index"`
	User       User           `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (User) TableName() string         { return "users" }
func (File) TableName() string         { return "files" }
func (FileSession) TableName() string  { return "file_sessions" }
func (FileEvent) TableName() string    { return "file_events" }
func (Comment) TableName() string      { return "comments" }
func (SentReminder) TableName() string { return "sent_reminders" }

// The partial index is what makes start/resume race-safe: a second open row
// for the same (user, file) pair cannot exist.
var postMigrate = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_file_sessions_open ON file_sessions (user_id, file_id) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_file_sessions_last_activity ON file_sessions (last_activity) WHERE ended_at IS NULL`,
	`DROP VIEW IF EXISTS open_sessions_view`,
	`CREATE VIEW open_sessions_view AS
SELECT fs.id AS session_id, u.username, f.file_path, f.file_name,
       fs.started_at, fs.last_activity, fs.resume_count, fs.hash_before, fs.hash_after
FROM file_sessions fs
JOIN users u ON u.id = fs.user_id
JOIN files f ON f.id = fs.file_id
WHERE fs.ended_at IS NULL`,
	`DROP VIEW IF EXISTS commented_sessions_view`,
	`CREATE VIEW commented_sessions_view AS
SELECT fs.id AS session_id, u.username, f.file_path, f.file_name,
       fs.started_at, fs.ended_at, c.id AS comment_id, c.content, c.change_type,
       c.created_at AS commented_at
FROM file_sessions fs
JOIN comments c ON c.session_id = fs.id
JOIN users u ON u.id = fs.user_id
JOIN files f ON f.id = fs.file_id`,
}

var dropViews = []string{
	`DROP VIEW IF EXISTS commented_sessions_view`,
	`DROP VIEW IF EXISTS open_sessions_view`,
}

// Apply creates every table, index and view on an open GORM handle. The goose
// migration runs it inside its transaction; tests run it against SQLite.
func Apply(ctx context.Context, gormDB *gorm.DB) error {
	tx := gormDB.WithContext(ctx)
	if err := tx.AutoMigrate(
		&User{},
		&File{},
		&FileSession{},
		&FileEvent{},
		&Comment{},
		&SentReminder{},
	); err != nil {
		return err
	}

	for _, stmt := range postMigrate {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Drop removes everything Apply created.
func Drop(ctx context.Context, gormDB *gorm.DB) error {
	tx := gormDB.WithContext(ctx)
	for _, stmt := range dropViews {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return tx.Migrator().DropTable(
		&SentReminder{},
		&Comment{},
		&FileEvent{},
		&FileSession{},
		&File{},
		&User{},
	)
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return Apply(ctx, gormDB)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return Drop(ctx, gormDB)
}
