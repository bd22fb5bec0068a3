package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"greenledger/engine/internal/cache"
	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/store"
)

// Sequence types backed by counter-store rows.
const (
	TypeSale           = "sale"
	TypeRefund         = "refund"
	TypeAccountPayment = "account_payment"
	TypeBatch          = "batch"
	TypeUnitSerial     = "unit_serial"
)

const (
	batchSequenceWidth = 5
	unitSequenceWidth  = 5
	dateWidth          = 8 // YYYYMMDD
)

var batchTypePattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// ParsedNumber is the decoded form of a prefixed transaction number. Date is
// set only for the legacy date-embedded format.
type ParsedNumber struct {
	Prefix   string
	Sequence int64
	Date     *time.Time
}

// Allocator mints unique, audit-grade identifiers. It holds no mutable state:
// uniqueness and monotonicity come entirely from the counter store's atomic
// increment.
type Allocator struct {
	counters store.CounterStore
	cache    cache.SequenceConfigCache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewAllocator(counters store.CounterStore, configCache cache.SequenceConfigCache, cacheTTL time.Duration) *Allocator {
	if configCache == nil {
		configCache = cache.NoopSequenceConfigCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Allocator{
		counters: counters,
		cache:    configCache,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NextTransactionNumber mints a standard-format number, e.g. SALE-00123.
func (a *Allocator) NextTransactionNumber(ctx context.Context, seqType string, requestor string) (string, error) {
	cfg, err := a.config(ctx, seqType)
	if err != nil {
		return "", err
	}
	if cfg.Format != domain.SequenceFormatStandard {
		return "", fmt.Errorf("sequence type %q is not a standard sequence: %w", seqType, store.ErrInvalidInput)
	}

	value, err := a.counters.NextSequence(ctx, seqType, requestor)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%0*d", cfg.Prefix, cfg.Padding, value), nil
}

// NextBatchNumber mints a 13-digit numeric batch number:
// {YYYYMMDD}{5-digit continuous sequence}. The batch type is validated but
// not encoded in the number; it is stored alongside by the caller for lookup.
func (a *Allocator) NextBatchNumber(ctx context.Context, batchType string, requestor string) (string, error) {
	batchType = strings.TrimSpace(batchType)
	if !batchTypePattern.MatchString(batchType) {
		return "", fmt.Errorf("batch type %q must match [A-Z0-9]+: %w", batchType, store.ErrInvalidInput)
	}
	if _, err := a.config(ctx, TypeBatch); err != nil {
		return "", err
	}

	value, err := a.counters.NextSequence(ctx, TypeBatch, requestor)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", a.now().Format("20060102"), batchSequenceWidth, value), nil
}

// NextUnitSerial mints a 19-digit unit serial encoding full production
// lineage: {YYYYMMDD}{3-digit strain}{3-digit per-strain batch}{5-digit unit}.
func (a *Allocator) NextUnitSerial(ctx context.Context, strainCode int, batchSeq int, requestor string) (string, error) {
	if strainCode < 100 || strainCode > 999 {
		return "", fmt.Errorf("strain code %d out of range [100,999]: %w", strainCode, store.ErrInvalidInput)
	}
	if batchSeq < 1 || batchSeq > 999 {
		return "", fmt.Errorf("batch sequence %d out of range [1,999]: %w", batchSeq, store.ErrInvalidInput)
	}
	if _, err := a.config(ctx, TypeUnitSerial); err != nil {
		return "", err
	}

	value, err := a.counters.NextSequence(ctx, TypeUnitSerial, requestor)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%03d%03d%0*d", a.now().Format("20060102"), strainCode, batchSeq, unitSequenceWidth, value), nil
}

// ParseNumber decodes a prefixed transaction number. The current format has
// two segments ({prefix}-{sequence}); the legacy format has three, with the
// allocation date embedded ({prefix}-{YYYYMMDD}-{sequence}). Segment count is
// the only reliable discriminator between the two.
func ParseNumber(text string) (ParsedNumber, error) {
	segments := strings.Split(strings.TrimSpace(text), "-")
	switch len(segments) {
	case 2:
		seq, err := parseSequenceSegment(segments[0], segments[1])
		if err != nil {
			return ParsedNumber{}, err
		}
		return ParsedNumber{Prefix: segments[0], Sequence: seq}, nil
	case 3:
		if len(segments[1]) != dateWidth {
			return ParsedNumber{}, fmt.Errorf("number %q: date segment must be %d digits: %w", text, dateWidth, store.ErrInvalidInput)
		}
		date, err := time.Parse("20060102", segments[1])
		if err != nil {
			return ParsedNumber{}, fmt.Errorf("number %q: bad date segment: %w", text, store.ErrInvalidInput)
		}
		seq, err := parseSequenceSegment(segments[0], segments[2])
		if err != nil {
			return ParsedNumber{}, err
		}
		date = date.UTC()
		return ParsedNumber{Prefix: segments[0], Sequence: seq, Date: &date}, nil
	default:
		return ParsedNumber{}, fmt.Errorf("number %q has %d segments, want 2 (current) or 3 (legacy): %w", text, len(segments), store.ErrInvalidInput)
	}
}

// ParseBatchNumber decodes a 13-digit numeric batch number into its
// allocation date and continuous sequence.
func ParseBatchNumber(text string) (time.Time, int64, error) {
	text = strings.TrimSpace(text)
	if len(text) != dateWidth+batchSequenceWidth {
		return time.Time{}, 0, fmt.Errorf("batch number %q must be %d digits: %w", text, dateWidth+batchSequenceWidth, store.ErrInvalidInput)
	}
	date, err := time.Parse("20060102", text[:dateWidth])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("batch number %q: bad date: %w", text, store.ErrInvalidInput)
	}
	seq, err := strconv.ParseInt(text[dateWidth:], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("batch number %q: bad sequence: %w", text, store.ErrInvalidInput)
	}
	return date.UTC(), seq, nil
}

func (a *Allocator) config(ctx context.Context, seqType string) (*domain.SequenceConfig, error) {
	if cached, ok, err := a.cache.Get(ctx, seqType); err == nil && ok {
		return cached, nil
	}

	cfg, err := a.counters.GetSequenceConfig(ctx, seqType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("sequence type %q: %w", seqType, store.ErrSequenceConfigMissing)
		}
		return nil, err
	}
	_ = a.cache.Set(ctx, seqType, cfg, a.cacheTTL)
	return cfg, nil
}

func parseSequenceSegment(prefix string, segment string) (int64, error) {
	if prefix == "" || segment == "" {
		return 0, fmt.Errorf("number segment missing prefix or sequence: %w", store.ErrInvalidInput)
	}
	seq, err := strconv.ParseInt(segment, 10, 64)
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("sequence segment %q is not a positive integer: %w", segment, store.ErrInvalidInput)
	}
	return seq, nil
}
