package types

import "time"

const (
	SubmissionSchema = "surmed.submission.v1"
	// DateLayout is the layout of expiry dates.
	DateLayout = "2006-01-02"
)

// Supply categories known to the seed rule set. Rule sets may name others.
const (
	CategoryPPE               = "ppe"
	CategorySurgical          = "surgical"
	CategoryDiagnostic        = "diagnostic"
	CategoryWoundCare         = "wound_care"
	CategoryEquipment         = "equipment"
	CategoryOtherSupplies     = "other_supplies"
	CategoryPrescriptionDrugs = "prescription_drugs"
)

type PackagingStatus string

const (
	PackagingSealed            PackagingStatus = "sealed_unopened"
	PackagingOpenedIntact      PackagingStatus = "opened_intact"
	PackagingMinorDamage       PackagingStatus = "minor_damage"
	PackagingSignificantDamage PackagingStatus = "significant_damage"
)

var packagingRank = map[PackagingStatus]int{
	PackagingSealed:            0,
	PackagingOpenedIntact:      1,
	PackagingMinorDamage:       2,
	PackagingSignificantDamage: 3,
}

// Rank orders packaging statuses from best (0) to worst. Unknown statuses
// return -1.
func (p PackagingStatus) Rank() int {
	if r, ok := packagingRank[p]; ok {
		return r
	}
	return -1
}

func (p PackagingStatus) Valid() bool { return p.Rank() >= 0 }

type StorageCondition string

const (
	StorageControlled   StorageCondition = "controlled"
	StorageRoomTemp     StorageCondition = "room_temp"
	StorageRefrigerated StorageCondition = "refrigerated"
	StorageUnknown      StorageCondition = "unknown"
)

type EvidenceType string

const (
	EvidencePhotoPackaging  EvidenceType = "photo_packaging"
	EvidencePhotoLabel      EvidenceType = "photo_label"
	EvidencePhotoProduct    EvidenceType = "photo_product"
	EvidenceDocumentCOA     EvidenceType = "document_coa"
	EvidenceDocumentInvoice EvidenceType = "document_invoice"
	EvidenceDocumentOther   EvidenceType = "document_other"
)

func (e EvidenceType) IsPhoto() bool {
	switch e {
	case EvidencePhotoPackaging, EvidencePhotoLabel, EvidencePhotoProduct:
		return true
	}
	return false
}

type Evidence struct {
	EvidenceID  string       `json:"evidence_id"`
	Type        EvidenceType `json:"type" validate:"required,oneof=photo_packaging photo_label photo_product document_coa document_invoice document_other"`
	Filename    string       `json:"filename"`
	ContentHash string       `json:"content_hash" validate:"required,digest"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
	UploadedAt  time.Time    `json:"uploaded_at"`
}

// Submission is a donated supply as recorded at intake. It is never
// modified once stored; review outcomes live in the decision ledger.
type Submission struct {
	Schema       string           `json:"schema"`
	SubmissionID string           `json:"submission_id" validate:"notblank"`
	Name         string           `json:"name" validate:"notblank"`
	Description  string           `json:"description,omitempty"`
	Category     string           `json:"category" validate:"notblank"`
	Quantity     int              `json:"quantity" validate:"gte=0"`
	Unit         string           `json:"unit"`
	ExpiryDate   string           `json:"expiry_date" validate:"required,isodate"`
	Packaging    PackagingStatus  `json:"packaging_status" validate:"required,oneof=sealed_unopened opened_intact minor_damage significant_damage"`
	Storage      StorageCondition `json:"storage_condition,omitempty" validate:"omitempty,oneof=controlled room_temp refrigerated unknown"`
	BatchNumber  string           `json:"batch_number,omitempty"`
	Evidence     []Evidence       `json:"evidence,omitempty" validate:"dive"`
	SubmittedBy  string           `json:"submitted_by"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	CustodyHash  string           `json:"custody_hash"`
}

func (s Submission) PhotoCount() int {
	n := 0
	for _, e := range s.Evidence {
		if e.Type.IsPhoto() {
			n++
		}
	}
	return n
}

// Actor is an authenticated reviewer or submitter.
type Actor struct {
	ID    string `json:"id"`
	Staff bool   `json:"staff"`
}
