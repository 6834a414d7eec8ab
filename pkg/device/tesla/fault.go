package tesla

import (
	"fmt"
	"unicode"
)

// MessageFault is the error code a vehicle attaches to a RoutableMessage.
type MessageFault int32

const (
	FaultNone MessageFault = iota
	FaultBusy
	FaultTimeout
	FaultUnknownKeyID
	FaultInactiveKey
	FaultInvalidSignature
	FaultInvalidTokenOrCounter
	FaultInsufficientPrivileges
	FaultInvalidDomains
	FaultInvalidCommand
	FaultDecoding
	FaultInternal
	FaultWrongPersonalization
	FaultBadParameter
	FaultKeychainIsFull
	FaultIncorrectEpoch
	FaultIVIncorrectLength
	FaultTimeExpired
	FaultNotProvisionedWithIdentity
	FaultCouldNotHashMetadata
	FaultTimeToLiveTooLong
	FaultRemoteAccessDisabled
	FaultRemoteServiceAccessDisabled
	FaultCommandRequiresAccountCredentials
)

var faultNames = [...]string{
	"NONE",
	"BUSY",
	"TIMEOUT",
	"UNKNOWN_KEY_ID",
	"INACTIVE_KEY",
	"INVALID_SIGNATURE",
	"INVALID_TOKEN_OR_COUNTER",
	"INSUFFICIENT_PRIVILEGES",
	"INVALID_DOMAINS",
	"INVALID_COMMAND",
	"DECODING",
	"INTERNAL",
	"WRONG_PERSONALIZATION",
	"BAD_PARAMETER",
	"KEYCHAIN_IS_FULL",
	"INCORRECT_EPOCH",
	"IV_INCORRECT_LENGTH",
	"TIME_EXPIRED",
	"NOT_PROVISIONED_WITH_IDENTITY",
	"COULD_NOT_HASH_METADATA",
	"TIME_TO_LIVE_TOO_LONG",
	"REMOTE_ACCESS_DISABLED",
	"REMOTE_SERVICE_ACCESS_DISABLED",
	"COMMAND_REQUIRES_ACCOUNT_CREDENTIALS",
}

// String returns a CamelCase name, e.g. "IncorrectEpoch".
func (f MessageFault) String() string {
	if f < 0 || int(f) >= len(faultNames) {
		return fmt.Sprintf("MessageFault(%d)", int32(f))
	}
	allCaps := faultNames[f]
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else if lowerCaseNext {
			camelCase = append(camelCase, unicode.ToLower(b))
		} else {
			camelCase = append(camelCase, b)
			lowerCaseNext = true
		}
	}
	return string(camelCase)
}

// Retriable faults clear up on their own or after a session resync.
func (f MessageFault) Retriable() bool {
	switch f {
	case FaultBusy, FaultTimeout, FaultInvalidSignature, FaultInvalidTokenOrCounter, FaultInternal,
		FaultIncorrectEpoch, FaultTimeExpired, FaultTimeToLiveTooLong:
		return true
	}
	return false
}

// requiresResync reports whether the fault means our session state is stale.
func (f MessageFault) requiresResync() bool {
	switch f {
	case FaultInvalidSignature, FaultInvalidTokenOrCounter, FaultIncorrectEpoch, FaultTimeExpired:
		return true
	}
	return false
}

// FaultError is returned when the vehicle rejects a message.
type FaultError struct {
	Fault MessageFault
	Info  string
}

func newFaultError(fault MessageFault, info string) error {
	return &FaultError{Fault: fault, Info: info}
}

func (e *FaultError) Error() string {
	if e.Info == "" {
		return e.Fault.String()
	}
	return fmt.Sprintf("%s: %s", e.Fault, e.Info)
}

func (e *FaultError) MayHaveSucceeded() bool {
	return false
}

func (e *FaultError) Temporary() bool {
	return e.Fault.Retriable()
}
