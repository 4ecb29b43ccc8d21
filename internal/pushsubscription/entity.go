package pushsubscription

import "time"

// Subscription is one browser push registration. Endpoint is the natural key;
// Keys holds the client's encryption material (p256dh, auth) and is stored
// and handed to the push service untouched.
type Subscription struct {
	ID        string            `yaml:"id" json:"id,omitempty" bson:"id"`
	Endpoint  string            `yaml:"endpoint" json:"endpoint" bson:"endpoint"`
	Keys      map[string]string `yaml:"keys" json:"keys" bson:"keys"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at,omitzero" bson:"created_at"`
}

const (
	KeyP256dh = "p256dh"
	KeyAuth   = "auth"
)

func (s *Subscription) P256dh() string {
	return s.Keys[KeyP256dh]
}

func (s *Subscription) Auth() string {
	return s.Keys[KeyAuth]
}
