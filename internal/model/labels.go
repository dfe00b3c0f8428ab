package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	LabelManaged   = "isolab"
	LabelName      = "isolab.name"
	LabelNet       = "isolab.net"
	LabelNetSchema = "isolab.net.schema"
	LabelCreated   = "isolab.created"
	LabelOwner     = "isolab.owner"
	LabelRole      = "isolab.role"

	// NetLabelSchema is written alongside LabelNet on every new container.
	// Containers without a schema label predate the web mode.
	NetLabelSchema = "2"

	ContainerPrefix = "iso-"
)

func ContainerName(name string) string {
	return ContainerPrefix + name
}

// SandboxLabels builds the label set of a new sandbox container.
func SandboxLabels(name string, mode NetworkMode, owner string, created time.Time) map[string]string {
	labels := map[string]string{
		LabelManaged:   "true",
		LabelName:      name,
		LabelNet:       mode.String(),
		LabelNetSchema: NetLabelSchema,
		LabelCreated:   created.UTC().Format(time.RFC3339),
	}
	if owner != "" {
		labels[LabelOwner] = owner
	}
	return labels
}

// ModeFromLabels reads the advisory mode label. ok is false when the
// container carries no mode label at all.
func ModeFromLabels(labels map[string]string) (mode NetworkMode, ok bool, err error) {
	value, present := labels[LabelNet]
	if !present || strings.TrimSpace(value) == "" {
		return ModeNone, false, nil
	}
	mode, err = MigrateLabel(labels[LabelNetSchema], value)
	if err != nil {
		return ModeNone, true, err
	}
	return mode, true, nil
}

// MigrateLabel maps a mode label of a given schema version onto the
// current mode set.
//
// Schema 1 (no schema label) knew three modes and spelled them either
// bare or as the original "--net=" flag. Its "packages" mode allowed all
// web traffic, which is what web means today.
func MigrateLabel(schema, value string) (NetworkMode, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch strings.TrimSpace(schema) {
	case NetLabelSchema:
		return ParseMode(value)
	case "", "1":
		switch strings.TrimPrefix(value, "--net=") {
		case "none":
			return ModeNone, nil
		case "packages":
			return ModeWeb, nil
		case "full", "open":
			return ModeOpen, nil
		default:
			return ModeNone, fmt.Errorf("%w %q in legacy label", ErrUnknownMode, value)
		}
	default:
		return ModeNone, fmt.Errorf("unsupported %s version %q", LabelNetSchema, schema)
	}
}
