package models

// DMPrivacy is a user's direct-message privacy setting.
type DMPrivacy string

const (
	DMEveryone  DMPrivacy = "everyone"
	DMFollowers DMPrivacy = "followers"
	DMNobody    DMPrivacy = "nobody"
)

// User is the display identity resolved from the directory.
type User struct {
	ID          int64     `db:"id" json:"id"`
	Username    string    `db:"username" json:"username"`
	DisplayName string    `db:"display_name" json:"displayName"`
	DMPrivacy   DMPrivacy `db:"dm_privacy" json:"dmPrivacy"`
}
