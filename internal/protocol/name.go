package protocol

import (
	"fmt"
	"strings"
)

// SessionName is the parsed form of a session identifier
// "<namespace>:<entityType>:<entityId>".
type SessionName struct {
	Namespace  string
	EntityType string
	EntityID   string
}

func (n SessionName) String() string {
	return n.Namespace + ":" + n.EntityType + ":" + n.EntityID
}

// ParseSessionName validates and splits a session identifier. The
// three segments must all be present and free of whitespace; which
// entity types are acceptable is policy, checked by the caller.
func ParseSessionName(name string) (SessionName, error) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return SessionName{}, fmt.Errorf("session name %q must have form namespace:entityType:entityId", name)
	}
	labels := [3]string{"namespace", "entity type", "entity ID"}
	for i, part := range parts {
		if part == "" {
			return SessionName{}, fmt.Errorf("session name %q has an empty %s", name, labels[i])
		}
		if strings.ContainsAny(part, " \t\r\n") {
			return SessionName{}, fmt.Errorf("session name %q has whitespace in its %s", name, labels[i])
		}
	}
	return SessionName{Namespace: parts[0], EntityType: parts[1], EntityID: parts[2]}, nil
}
