package envelope

// ItemType is the declared type tag of one item inside an envelope. Types
// this relay does not know still pass through, counted under the default
// data category.
type ItemType string

const (
	ItemTypeEvent         ItemType = "event"
	ItemTypeTransaction   ItemType = "transaction"
	ItemTypeSession       ItemType = "session"
	ItemTypeSessions      ItemType = "sessions"
	ItemTypeAttachment    ItemType = "attachment"
	ItemTypeClientReport  ItemType = "client_report"
	ItemTypeMetricBuckets ItemType = "metric_buckets"
)

// DataCategory is the quota and outcome accounting dimension. Distinct
// item types may share a category (session and sessions both count as
// session units).
type DataCategory string

const (
	CategoryError        DataCategory = "error"
	CategoryTransaction  DataCategory = "transaction"
	CategorySession      DataCategory = "session"
	CategoryAttachment   DataCategory = "attachment"
	CategoryMetricBucket DataCategory = "metric_bucket"
	CategoryDefault      DataCategory = "default"
)

func (t ItemType) Category() DataCategory {
	switch t {
	case ItemTypeEvent:
		return CategoryError
	case ItemTypeTransaction:
		return CategoryTransaction
	case ItemTypeSession, ItemTypeSessions:
		return CategorySession
	case ItemTypeAttachment:
		return CategoryAttachment
	case ItemTypeMetricBuckets:
		return CategoryMetricBucket
	default:
		return CategoryDefault
	}
}

// Categories lists every known category, for config validation and for
// fan-out structures keyed by category.
func Categories() []DataCategory {
	return []DataCategory{
		CategoryError,
		CategoryTransaction,
		CategorySession,
		CategoryAttachment,
		CategoryMetricBucket,
		CategoryDefault,
	}
}

func ParseCategory(s string) (DataCategory, bool) {
	switch DataCategory(s) {
	case CategoryError, CategoryTransaction, CategorySession,
		CategoryAttachment, CategoryMetricBucket, CategoryDefault:
		return DataCategory(s), true
	}
	return "", false
}
