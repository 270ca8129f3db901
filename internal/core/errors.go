package core

import (
	"errors"
	"fmt"
)

// Tag classifies a failure precisely enough for the orchestrator to route
// it: configuration problems fail the run, engine rejections park it, and
// everything untagged is treated as infrastructure and retried.
type Tag string

const (
	TagInputInvalid        Tag = "INPUT_INVALID"
	TagPolicyInvalid       Tag = "POLICY_INVALID"
	TagPolicyNotApplicable Tag = "POLICY_NOT_APPLICABLE"
	TagCatalogMissing      Tag = "CATALOG_MISSING"
	TagUnknownAccount      Tag = "UNKNOWN_ACCOUNT"
	TagMigrationBlocked    Tag = "MIGRATION_BLOCKED"
	TagVATComputation      Tag = "VAT_COMPUTATION"
	TagProposalUnbalanced  Tag = "PROPOSAL_UNBALANCED"
	TagNotBalancedOnBook   Tag = "NOT_BALANCED_ON_BOOK"
	TagNotFound            Tag = "NOT_FOUND"
	TagConflict            Tag = "CONFLICT"
	TagInfrastructure      Tag = "INFRASTRUCTURE"
)

// Error is a tagged domain error. It is a value type so callers can match
// with errors.As without caring about the concrete failure site.
type Error struct {
	Tag Tag
	Msg string
}

func (e Error) Error() string {
	return string(e.Tag) + ": " + e.Msg
}

// E builds a tagged error with a formatted message.
func E(tag Tag, format string, args ...any) error {
	return Error{Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

// TagOf extracts the tag from err, unwrapping as needed. Untagged errors
// report as INFRASTRUCTURE.
func TagOf(err error) Tag {
	var de Error
	if errors.As(err, &de) {
		return de.Tag
	}
	return TagInfrastructure
}

// HasTag reports whether err carries the given tag.
func HasTag(err error, tag Tag) bool {
	return err != nil && TagOf(err) == tag
}

// ErrorKind is the coarse failure class recorded on a run. It groups tags
// into the categories the state machine routes on.
type ErrorKind string

const (
	KindConfigError     ErrorKind = "CONFIG_ERROR"
	KindEngineRejection ErrorKind = "ENGINE_REJECTION"
	KindInfrastructure  ErrorKind = "INFRASTRUCTURE"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindCancelled       ErrorKind = "CANCELLED"
)

// KindForTag maps a failure tag onto its routing class.
func KindForTag(tag Tag) ErrorKind {
	switch tag {
	case TagPolicyInvalid, TagCatalogMissing, TagUnknownAccount, TagMigrationBlocked:
		return KindConfigError
	case TagInputInvalid, TagVATComputation, TagProposalUnbalanced, TagNotBalancedOnBook, TagPolicyNotApplicable:
		return KindEngineRejection
	default:
		return KindInfrastructure
	}
}
