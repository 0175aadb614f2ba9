// README: Saved places a passenger can pick as pickup or dropoff.
package favorite

import (
	"time"

	"sakay/internal/types"
)

type Icon string

const (
	IconPin    Icon = "pin"
	IconHome   Icon = "home"
	IconWork   Icon = "work"
	IconSchool Icon = "school"
	IconStar   Icon = "star"
)

func (i Icon) Valid() bool {
	switch i {
	case IconPin, IconHome, IconWork, IconSchool, IconStar:
		return true
	}
	return false
}

type Favorite struct {
	ID        types.ID    `json:"id"`
	OwnerID   types.ID    `json:"owner_id"`
	Label     string      `json:"label"`
	Address   string      `json:"address"`
	Point     types.Point `json:"point"`
	Icon      Icon        `json:"icon"`
	CreatedAt time.Time   `json:"created_at"`
}
