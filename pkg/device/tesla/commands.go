package tesla

// File encodes the vehicle security (VCSEC) and infotainment (CarServer) payloads carried inside
// RoutableMessages.

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClosureMoveType selects what happens to a closure.
type ClosureMoveType int32

const (
	ClosureMoveNone  ClosureMoveType = 0
	ClosureMoveOpen  ClosureMoveType = 3
	ClosureMoveClose ClosureMoveType = 4
)

// Closure identifies a trunk.
type Closure int

const (
	RearTrunk Closure = iota
	FrontTrunk
)

func (c Closure) String() string {
	switch c {
	case RearTrunk:
		return "trunk"
	case FrontTrunk:
		return "frunk"
	}
	return fmt.Sprintf("Closure(%d)", int(c))
}

// KeyRole is the permission set requested for a new key.
type KeyRole int32

const (
	KeyRoleNone   KeyRole = 0
	KeyRoleOwner  KeyRole = 2
	KeyRoleDriver KeyRole = 3
)

const (
	keyFormFactorCloudKey   = 9
	signatureTypePresentKey = 2

	fieldToVCSECSignedMessage          protowire.Number = 1
	fieldSignedMessagePayload          protowire.Number = 2
	fieldSignedMessageSignatureType    protowire.Number = 3
	fieldUnsignedClosureMoveRequest    protowire.Number = 4
	fieldUnsignedWhitelistOperation    protowire.Number = 16
	fieldWhitelistAddKeyAndPermissions protowire.Number = 5
	fieldWhitelistMetadataForKey       protowire.Number = 6
	fieldPermissionChangeKey           protowire.Number = 1
	fieldPermissionChangeKeyRole       protowire.Number = 4
	fieldPublicKeyRaw                  protowire.Number = 1
	fieldKeyMetadataFormFactor         protowire.Number = 1
	fieldClosureMoveRearTrunk          protowire.Number = 5
	fieldClosureMoveFrontTrunk         protowire.Number = 6

	fieldActionVehicleAction      protowire.Number = 2
	fieldVehicleActionFlashLights protowire.Number = 26
	fieldVehicleActionHonkHorn    protowire.Number = 27
	fieldResponseActionStatus     protowire.Number = 1
	fieldActionStatusResult       protowire.Number = 1
	fieldActionStatusReason       protowire.Number = 2
	fieldResultReasonPlainText    protowire.Number = 1
)

// ClosureMoveRequest returns a VCSEC UnsignedMessage moving a trunk.
func ClosureMoveRequest(closure Closure, move ClosureMoveType) []byte {
	field := fieldClosureMoveRearTrunk
	if closure == FrontTrunk {
		field = fieldClosureMoveFrontTrunk
	}
	request := appendVarint(nil, field, uint64(move))
	return appendMessage(nil, fieldUnsignedClosureMoveRequest, request)
}

// AddKeyRequest returns a ToVCSECMessage asking the vehicle to whitelist publicKey. The vehicle
// accepts it without a session once the owner taps a key card.
func AddKeyRequest(publicKey []byte, role KeyRole) []byte {
	key := appendBytes(nil, fieldPublicKeyRaw, publicKey)
	var permissions []byte
	permissions = appendMessage(permissions, fieldPermissionChangeKey, key)
	permissions = appendVarint(permissions, fieldPermissionChangeKeyRole, uint64(role))

	var operation []byte
	operation = appendMessage(operation, fieldWhitelistAddKeyAndPermissions, permissions)
	operation = appendMessage(operation, fieldWhitelistMetadataForKey, appendVarint(nil, fieldKeyMetadataFormFactor, keyFormFactorCloudKey))
	unsigned := appendMessage(nil, fieldUnsignedWhitelistOperation, operation)

	var signed []byte
	signed = appendMessage(signed, fieldSignedMessagePayload, unsigned)
	signed = appendVarint(signed, fieldSignedMessageSignatureType, signatureTypePresentKey)
	return appendMessage(nil, fieldToVCSECSignedMessage, signed)
}

// VehicleAction is an infotainment action without parameters.
type VehicleAction int

const (
	HonkHorn VehicleAction = iota
	FlashLights
)

func (a VehicleAction) String() string {
	switch a {
	case HonkHorn:
		return "honk"
	case FlashLights:
		return "flash-lights"
	}
	return fmt.Sprintf("VehicleAction(%d)", int(a))
}

// ActionRequest returns a CarServer Action.
func ActionRequest(action VehicleAction) []byte {
	field := fieldVehicleActionHonkHorn
	if action == FlashLights {
		field = fieldVehicleActionFlashLights
	}
	return appendMessage(nil, fieldActionVehicleAction, appendMessage(nil, field, nil))
}

// ActionError is returned when the infotainment system refuses an action.
type ActionError struct {
	Reason string
}

func (e *ActionError) Error() string {
	if e.Reason == "" {
		return "vehicle rejected action"
	}
	return "vehicle rejected action: " + e.Reason
}

// DecodeActionResponse checks a CarServer Response.
func DecodeActionResponse(payload []byte) error {
	var result uint64
	var reason string
	err := walk(payload, func(num protowire.Number, value []byte, _ uint64, isVarint bool) error {
		if num != fieldResponseActionStatus || isVarint {
			return nil
		}
		return walk(value, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
			switch {
			case num == fieldActionStatusResult && isVarint:
				result = varint
			case num == fieldActionStatusReason && !isVarint:
				return walk(value, func(num protowire.Number, value []byte, _ uint64, isVarint bool) error {
					if num == fieldResultReasonPlainText && !isVarint {
						reason = string(value)
					}
					return nil
				})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if OperationStatus(result) != OperationStatusOK {
		return &ActionError{Reason: reason}
	}
	return nil
}

// ActionResponse encodes a CarServer Response; used by vehicle simulators.
func ActionResponse(ok bool, reason string) []byte {
	var status []byte
	if !ok {
		status = appendVarint(status, fieldActionStatusResult, 1)
		status = appendMessage(status, fieldActionStatusReason, appendBytes(nil, fieldResultReasonPlainText, []byte(reason)))
	}
	return appendMessage(nil, fieldResponseActionStatus, status)
}
