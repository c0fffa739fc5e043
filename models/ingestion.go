package models

import (
	"time"

	"gorm.io/datatypes"
)

// IngestionRun is the ledger row of one finished ingestion session.
type IngestionRun struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt        time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	State            string    `gorm:"size:32;index;not null" json:"state"`
	ExitCode         int       `json:"exitCode"`
	ProfessionalMode bool      `json:"professionalMode"`
	DryRun           bool      `json:"dryRun"`
	Sink             string    `gorm:"size:32" json:"sink"`
	Products         int       `json:"products"`
	Assets           int       `json:"assets"`
	Matched          int       `json:"matched"`
	Processed        int       `json:"processed"`
	ProcessingFailed int       `json:"processingFailed"`
	UploadOK         int       `json:"uploadOk"`
	RetryableFailed  int       `json:"retryableFailed"`
	PermanentFailed  int       `json:"permanentFailed"`
	Errors           int       `json:"errors"`
	Warnings         int       `json:"warnings"`
	// Error holds the fatal error message, if any.
	Error  string         `gorm:"size:512" json:"error,omitempty"`
	Config datatypes.JSON `json:"config"`
	Report datatypes.JSON `json:"report"`

	Items []IngestionItem `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"items,omitempty"`
}

func (IngestionRun) TableName() string {
	return "ingestion_runs"
}

// IngestionItem is one upload outcome within a run.
type IngestionItem struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time `json:"createdAt"`
	RunID             string    `gorm:"size:64;index;not null" json:"runId"`
	Position          int       `json:"position"`
	SKU               string    `gorm:"size:128;index" json:"sku"`
	ProductRowIndex   int       `json:"productRowIndex"`
	AssetOriginalName string    `gorm:"size:255" json:"assetOriginalName"`
	TargetFilename    string    `gorm:"size:255" json:"targetFilename"`
	UploadName        string    `gorm:"size:255" json:"uploadName"`
	Status            string    `gorm:"size:32;index" json:"status"`
	Kind              string    `gorm:"size:64" json:"kind,omitempty"`
	Attempts          int       `json:"attempts"`
	HTTPStatus        int       `json:"httpStatus,omitempty"`
	BodySummary       string    `gorm:"size:512" json:"bodySummary,omitempty"`
	Digest            string    `gorm:"size:64;index" json:"digest,omitempty"`
}

func (IngestionItem) TableName() string {
	return "ingestion_items"
}
