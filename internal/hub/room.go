package hub

import (
	"fmt"
	"strings"
)

// Room broadcast channel name: "global", "patient:<id>" or "device:<id>".
type Room string

// RoomGlobal receives every event.
const RoomGlobal Room = "global"

// Room types accepted from clients.
const (
	RoomTypeGlobal  = "global"
	RoomTypePatient = "patient"
	RoomTypeDevice  = "device"
)

// PatientRoom events for one patient's devices and incidents.
func PatientRoom(patientID string) Room {
	return Room(RoomTypePatient + ":" + patientID)
}

// DeviceRoom events from one device.
func DeviceRoom(deviceID string) Room {
	return Room(RoomTypeDevice + ":" + deviceID)
}

// ParseRoom builds a room from a client's (room_type, room_id) pair.
func ParseRoom(roomType, roomID string) (Room, error) {
	roomID = strings.TrimSpace(roomID)
	switch roomType {
	case RoomTypeGlobal:
		return RoomGlobal, nil
	case RoomTypePatient:
		if roomID == "" {
			return "", fmt.Errorf("patient room needs a room_id")
		}
		return PatientRoom(roomID), nil
	case RoomTypeDevice:
		if roomID == "" {
			return "", fmt.Errorf("device room needs a room_id")
		}
		return DeviceRoom(roomID), nil
	}
	return "", fmt.Errorf("unknown room_type %q", roomType)
}
