package kasuki

import (
	"fmt"
	"log/slog"
	"time"
)

var (
	columnMemberColorUserID     = "user_id"
	columnMemberColorAvatarURL  = "avatar_url"
	columnMemberColorColor      = "color"
	columnMemberColorImage      = "image"
	columnMemberColorComputedAt = "computed_at"
)

// MemberColor is the persisted result of the avatar color pipeline for a
// single user.
//
// AvatarURL is the source URL the color and image were computed from, and
// doubles as the cache-validity key: a member whose current avatar URL
// matches the stored AvatarURL is not recomputed. Color and Image are
// always written together with AvatarURL as a whole row, so the three
// fields can never describe different avatars.
//
//nolint:lll // struct tags can't be split
type MemberColor struct {
	// ID is the Discord user ID
	UserID string `json:"user_id" gorm:"primaryKey;unique;type:string"`

	// AvatarURL is the avatar the color was computed from
	AvatarURL string `json:"avatar_url" gorm:"type:string"`

	// Color is the average avatar color, canonical lowercase "#rrggbb"
	Color string `json:"color" gorm:"type:string"`

	// Image is the re-encoded avatar as a base64 PNG data URI, suitable
	// for direct display without another fetch of the source URL
	Image string `json:"image" gorm:"type:string"`

	// ComputedAt is when the color/image pair was computed, in
	// milliseconds since the epoch
	ComputedAt int64 `json:"computed_at" gorm:"column:computed_at"`

	ModelUnixTime
}

// NewMemberColor returns a MemberColor for the given user, stamped with
// the current time.
func NewMemberColor(
	userID string,
	avatarURL string,
	color string,
	image string,
) *MemberColor {
	return &MemberColor{
		UserID:     userID,
		AvatarURL:  avatarURL,
		Color:      color,
		Image:      image,
		ComputedAt: time.Now().UTC().UnixMilli(),
	}
}

func (m *MemberColor) String() string {
	return fmt.Sprintf("%s [%s]", m.UserID, m.Color)
}

func (m *MemberColor) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnMemberColorUserID, m.UserID),
		slog.String(columnMemberColorAvatarURL, m.AvatarURL),
		slog.String(columnMemberColorColor, m.Color),
		slog.Int("image_bytes", len(m.Image)),
		slog.Int64(columnMemberColorComputedAt, m.ComputedAt),
	)
}
