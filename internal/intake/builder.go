// Package intake turns a donor's submission request into an immutable
// supply submission with content hashes for every attachment.
package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/validate"
	"github.com/davidahmann/surmed/pkg/types"
	"github.com/google/uuid"
)

type EvidenceInput struct {
	Type        types.EvidenceType `json:"type" validate:"required,oneof=photo_packaging photo_label photo_product document_coa document_invoice document_other"`
	Filename    string             `json:"filename" validate:"notblank"`
	Content     []byte             `json:"content,omitempty"`
	ContentHash string             `json:"content_hash,omitempty" validate:"omitempty,digest"`
}

type Request struct {
	Name        string                 `json:"name" validate:"notblank,max=255"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category" validate:"notblank"`
	Quantity    int                    `json:"quantity" validate:"gte=0"`
	Unit        string                 `json:"unit" validate:"omitempty,oneof=pieces boxes packs units sets"`
	ExpiryDate  string                 `json:"expiry_date" validate:"required,isodate"`
	Packaging   types.PackagingStatus  `json:"packaging_status" validate:"required,oneof=sealed_unopened opened_intact minor_damage significant_damage"`
	Storage     types.StorageCondition `json:"storage_condition,omitempty" validate:"omitempty,oneof=controlled room_temp refrigerated unknown"`
	BatchNumber string                 `json:"batch_number,omitempty" validate:"max=100"`
	Evidence    []EvidenceInput        `json:"evidence,omitempty" validate:"dive"`
}

// NewSubmissionID returns an id of the form SUP-YYYYMMDD-XXXXXXXX.
func NewSubmissionID(now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("SUP-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(token))
}

// Build validates req and produces the submission record with id, evidence
// digests and custody hash.
func Build(id string, req Request, submitter string, now time.Time) (types.Submission, error) {
	if strings.TrimSpace(id) == "" {
		return types.Submission{}, errs.Invalid("submission_id", "is required")
	}
	if strings.TrimSpace(submitter) == "" {
		return types.Submission{}, errs.Invalid("submitted_by", "is required")
	}
	if err := validate.Struct(req); err != nil {
		return types.Submission{}, err
	}

	submittedAt := now.UTC()
	evidence := make([]types.Evidence, 0, len(req.Evidence))
	for i, in := range req.Evidence {
		hash, size, err := evidenceDigest(in)
		if err != nil {
			return types.Submission{}, errs.Wrapf(err, "evidence[%d]", i)
		}
		evidence = append(evidence, types.Evidence{
			EvidenceID:  fmt.Sprintf("%s-E%02d", id, i+1),
			Type:        in.Type,
			Filename:    strings.TrimSpace(in.Filename),
			ContentHash: hash,
			SizeBytes:   size,
			UploadedAt:  submittedAt,
		})
	}

	storage := req.Storage
	if storage == "" {
		storage = types.StorageUnknown
	}

	sub := types.Submission{
		Schema:       types.SubmissionSchema,
		SubmissionID: id,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Category:     strings.ToLower(strings.TrimSpace(req.Category)),
		Quantity:     req.Quantity,
		Unit:         req.Unit,
		ExpiryDate:   req.ExpiryDate,
		Packaging:    req.Packaging,
		Storage:      storage,
		BatchNumber:  strings.TrimSpace(req.BatchNumber),
		Evidence:     evidence,
		SubmittedBy:  submitter,
		SubmittedAt:  submittedAt,
	}
	if len(sub.Evidence) == 0 {
		sub.Evidence = nil
	}

	custody, err := CustodyHash(sub)
	if err != nil {
		return types.Submission{}, err
	}
	sub.CustodyHash = custody
	return sub, nil
}

func evidenceDigest(in EvidenceInput) (string, int64, error) {
	switch {
	case len(in.Content) > 0:
		hash := crypto.DigestWithPrefix(in.Content)
		if in.ContentHash != "" && in.ContentHash != hash {
			return "", 0, errs.Invalid("content_hash", "does not match attached content")
		}
		return hash, int64(len(in.Content)), nil
	case in.ContentHash != "":
		return in.ContentHash, 0, nil
	default:
		return "", 0, errs.Invalid("content", "content or content_hash is required")
	}
}

// CustodyHash digests every intake field of sub except the custody hash
// itself.
func CustodyHash(sub types.Submission) (string, error) {
	evidence := make([]any, 0, len(sub.Evidence))
	for _, e := range sub.Evidence {
		evidence = append(evidence, map[string]any{
			"evidence_id":  e.EvidenceID,
			"type":         string(e.Type),
			"filename":     e.Filename,
			"content_hash": e.ContentHash,
			"size_bytes":   e.SizeBytes,
			"uploaded_at":  e.UploadedAt,
		})
	}
	if len(evidence) == 0 {
		evidence = nil
	}

	hash, _, err := crypto.CanonicalDigest(map[string]any{
		"schema":            sub.Schema,
		"submission_id":     sub.SubmissionID,
		"name":              sub.Name,
		"description":       sub.Description,
		"category":          sub.Category,
		"quantity":          sub.Quantity,
		"unit":              sub.Unit,
		"expiry_date":       sub.ExpiryDate,
		"packaging_status":  string(sub.Packaging),
		"storage_condition": string(sub.Storage),
		"batch_number":      sub.BatchNumber,
		"evidence":          evidence,
		"submitted_by":      sub.SubmittedBy,
		"submitted_at":      sub.SubmittedAt,
	})
	if err != nil {
		return "", errs.Wrap(err, "custody hash")
	}
	return hash, nil
}

// VerifyCustody recomputes the custody hash of a stored submission.
func VerifyCustody(sub types.Submission) error {
	got, err := CustodyHash(sub)
	if err != nil {
		return err
	}
	if got != sub.CustodyHash {
		return &errs.IntegrityError{Kind: errs.CustodyMismatch, Index: -1, Expected: sub.CustodyHash, Found: got, Msg: sub.SubmissionID}
	}
	return nil
}
