// Package directory manages participant registrations: address derivation
// from external subjects, handle normalization, and referrer linkage. The
// placement engine consumes it through the Directory interface and never
// touches participant rows directly.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"uptree/fault"
	"uptree/identity"
	"uptree/observability/logging"
	"uptree/storage"
)

const maxHandleLength = 32

var (
	// ErrHandleTaken reports a handle collision after normalization.
	ErrHandleTaken = errors.New("directory: handle already registered")
	// ErrSubjectRegistered reports a duplicate registration attempt for a
	// subject that resolved to a different handle or referrer.
	ErrSubjectRegistered = errors.New("directory: subject already registered")
)

// Member is the directory view of a participant.
type Member struct {
	Address  identity.Address
	Subject  string
	Handle   string
	Referrer identity.Address
	JoinedAt time.Time
}

// Directory resolves participants for the placement engine.
type Directory interface {
	// Resolve returns the member registered under the address.
	Resolve(ctx context.Context, addr identity.Address) (*Member, error)
}

// Service is the gorm-backed directory implementation.
type Service struct {
	store *storage.Store
	now   func() time.Time
}

// NewService constructs a directory over the shared store.
func NewService(store *storage.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// NormalizeHandle canonicalises a display handle: NFKC, lower case, trimmed.
// Empty input is allowed (handles are optional); anything else must be 3-32
// characters of lowercase letters, digits, hyphen or underscore.
func NormalizeHandle(handle string) (string, error) {
	trimmed := strings.TrimSpace(handle)
	if trimmed == "" {
		return "", nil
	}
	normalized := norm.NFKC.String(strings.ToLower(trimmed))
	if len(normalized) < 3 || len(normalized) > maxHandleLength {
		return "", fault.Validationf("handle", "must be 3-%d characters", maxHandleLength)
	}
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return "", fault.Validationf("handle", "invalid character %q", r)
		}
	}
	return normalized, nil
}

// Register derives the participant address from the subject, validates the
// referrer, and stores the membership. Registration is idempotent: repeating
// it with the same subject returns the existing member.
func (s *Service) Register(ctx context.Context, subject, handle, referrer string) (*Member, error) {
	addr, err := identity.FromSubject(subject)
	if err != nil {
		return nil, fault.Validationf("subject", "%v", err)
	}
	normalizedHandle, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	var referrerAddr identity.Address
	if trimmed := strings.TrimSpace(referrer); trimmed != "" {
		referrerAddr, err = s.resolveReferrer(ctx, trimmed)
		if err != nil {
			return nil, err
		}
		if referrerAddr == addr {
			return nil, fault.Validationf("referrer", "cannot self-refer")
		}
	}

	var member *Member
	err = s.store.Transact(ctx, "directory.register", func(tx *gorm.DB) error {
		var existing storage.Participant
		err := tx.First(&existing, "subject = ?", strings.TrimSpace(subject)).Error
		switch {
		case err == nil:
			member = participantToMember(&existing)
			if member.Handle != normalizedHandle && normalizedHandle != "" {
				return ErrSubjectRegistered
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		row := storage.Participant{
			ID:              uuid.New(),
			Address:         addr.String(),
			Subject:         strings.TrimSpace(subject),
			ReferrerAddress: "",
			CreatedAt:       s.now().UTC(),
			UpdatedAt:       s.now().UTC(),
		}
		if normalizedHandle != "" {
			h := normalizedHandle
			row.Handle = &h
			var clash int64
			if err := tx.Model(&storage.Participant{}).Where("handle = ?", normalizedHandle).Count(&clash).Error; err != nil {
				return err
			}
			if clash > 0 {
				return ErrHandleTaken
			}
		}
		if !referrerAddr.IsZero() {
			row.ReferrerAddress = referrerAddr.String()
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		member = participantToMember(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// Resolve implements Directory.
func (s *Service) Resolve(ctx context.Context, addr identity.Address) (*Member, error) {
	var row storage.Participant
	err := s.store.DB().WithContext(ctx).First(&row, "address = ?", addr.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("participant", addr.String())
	}
	if err != nil {
		return nil, err
	}
	return participantToMember(&row), nil
}

// ResolveHandleOrAddress accepts either a bech32 address or a registered
// handle and returns the member, used by referral-code lookups.
func (s *Service) ResolveHandleOrAddress(ctx context.Context, value string) (*Member, error) {
	trimmed := strings.TrimSpace(value)
	if addr, err := identity.Parse(trimmed); err == nil {
		return s.Resolve(ctx, addr)
	}
	normalized, err := NormalizeHandle(trimmed)
	if err != nil {
		return nil, err
	}
	if normalized == "" {
		return nil, fault.Validationf("referrer", "empty reference")
	}
	var row storage.Participant
	err = s.store.DB().WithContext(ctx).First(&row, "handle = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("participant", trimmed)
	}
	if err != nil {
		return nil, err
	}
	return participantToMember(&row), nil
}

func (s *Service) resolveReferrer(ctx context.Context, reference string) (identity.Address, error) {
	member, err := s.ResolveHandleOrAddress(ctx, reference)
	if err != nil {
		return identity.Address{}, err
	}
	return member.Address, nil
}

func participantToMember(row *storage.Participant) *Member {
	member := &Member{
		Subject:  row.Subject,
		JoinedAt: row.CreatedAt,
	}
	if row.Handle != nil {
		member.Handle = *row.Handle
	}
	if addr, err := identity.Parse(row.Address); err == nil {
		member.Address = addr
	}
	if row.ReferrerAddress != "" {
		if ref, err := identity.Parse(row.ReferrerAddress); err == nil {
			member.Referrer = ref
		}
	}
	return member
}

// String renders a member for logs. The raw subject never appears; only the
// derived address identifies the member.
func (m *Member) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", m.Address, logging.MaskValue(m.Subject))
}
