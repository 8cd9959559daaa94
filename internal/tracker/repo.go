package tracker

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

// JobRow is the persisted form of a jobs.Record.
type JobRow struct {
	JobID        string         `gorm:"primaryKey;size:128"`
	Status       string         `gorm:"type:varchar(32);index;not null"`
	Processed    int            `gorm:"not null;default:0"`
	Total        int            `gorm:"not null;default:0"`
	ArtifactPath *string        `gorm:"type:text"`
	Message      *string        `gorm:"type:text"`
	Error        *string        `gorm:"type:text"`
	LastError    *string        `gorm:"type:text"`
	Transport    string         `gorm:"type:varchar(16)"`
	Retries      int            `gorm:"not null;default:0"`
	ArtifactHash *string        `gorm:"type:varchar(128)"`
	Params       *jobs.Params   `gorm:"serializer:json;type:text"`
	Metadata     *jobs.Metadata `gorm:"serializer:json;type:text"`

	ServiceURL   string `gorm:"type:varchar(512)"`
	InputPath    string `gorm:"type:text"`
	InputType    string `gorm:"type:varchar(32)"`
	ManifestPath string `gorm:"type:text"`
	// Filled only when a Sealer is configured
	SealedCredential []byte

	LastUpdated time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (JobRow) TableName() string { return "tracked_jobs" }

type ReportRow struct {
	ID        string           `gorm:"primaryKey;size:26"` // ULID length
	JobID     string           `gorm:"size:128;index;not null"`
	Report    *artifact.Report `gorm:"serializer:json;type:mediumtext"`
	CreatedAt time.Time        `gorm:"index"`
}

func (ReportRow) TableName() string { return "artifact_reports" }

// Migrate creates or updates the tracker tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&JobRow{}, &ReportRow{})
}

type Repo struct {
	db     *gorm.DB
	sealer *Sealer
}

func NewRepo(db *gorm.DB, sealer *Sealer) *Repo {
	return &Repo{db: db, sealer: sealer}
}

func (r *Repo) SaveJob(ctx context.Context, rec jobs.Record) error {
	row := JobRow{
		JobID:        rec.JobID,
		Status:       string(rec.Status),
		Processed:    rec.Processed,
		Total:        rec.Total,
		ArtifactPath: rec.ArtifactPath,
		Message:      rec.Message,
		Error:        rec.Error,
		LastError:    rec.LastError,
		Transport:    string(rec.Transport),
		Retries:      rec.Retries,
		ArtifactHash: rec.ArtifactHash,
		Params:       rec.Params,
		Metadata:     rec.Metadata,
		ServiceURL:   rec.ServiceURL,
		InputPath:    rec.InputPath,
		InputType:    rec.InputType,
		ManifestPath: rec.ManifestPath,
		LastUpdated:  rec.LastUpdated,
	}
	if r.sealer != nil && rec.Credential != "" {
		box, err := r.sealer.Seal(rec.Credential)
		if err != nil {
			return err
		}
		row.SealedCredential = box
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// LoadJobs returns every persisted record. Credentials that cannot be
// unsealed are dropped; the record itself is kept.
func (r *Repo) LoadJobs(ctx context.Context) ([]jobs.Record, error) {
	var rows []JobRow
	if err := r.db.WithContext(ctx).Order("last_updated DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]jobs.Record, 0, len(rows))
	for _, row := range rows {
		rec := jobs.Record{
			JobID:        row.JobID,
			Status:       jobs.ParseStatus(row.Status),
			Processed:    row.Processed,
			Total:        row.Total,
			ArtifactPath: row.ArtifactPath,
			Message:      row.Message,
			Error:        row.Error,
			LastError:    row.LastError,
			Transport:    jobs.Transport(row.Transport),
			Retries:      row.Retries,
			ArtifactHash: row.ArtifactHash,
			Params:       row.Params,
			Metadata:     row.Metadata,
			Context: jobs.Context{
				ServiceURL:   row.ServiceURL,
				InputPath:    row.InputPath,
				InputType:    row.InputType,
				ManifestPath: row.ManifestPath,
			},
			LastUpdated: row.LastUpdated,
		}
		if r.sealer != nil && len(row.SealedCredential) > 0 {
			if cred, err := r.sealer.Open(row.SealedCredential); err == nil {
				rec.Credential = cred
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repo) ClearJobs(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&JobRow{}).Error
}

func (r *Repo) SaveReport(ctx context.Context, rep *artifact.Report) error {
	return r.db.WithContext(ctx).Create(&ReportRow{
		ID:        rep.ID,
		JobID:     rep.JobID,
		Report:    rep,
		CreatedAt: rep.CreatedAt,
	}).Error
}

// ListReports returns reports newest first.
func (r *Repo) ListReports(ctx context.Context, limit int) ([]*artifact.Report, error) {
	if limit <= 0 {
		limit = artifact.DefaultHistoryLimit
	}
	var rows []ReportRow
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*artifact.Report, 0, len(rows))
	for _, row := range rows {
		if row.Report != nil {
			out = append(out, row.Report)
		}
	}
	return out, nil
}

func (r *Repo) GetReport(ctx context.Context, id string) (*artifact.Report, error) {
	var row ReportRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	if row.Report == nil {
		return nil, common.ErrNotFound
	}
	return row.Report, nil
}

func (r *Repo) ClearReports(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ReportRow{}).Error
}
