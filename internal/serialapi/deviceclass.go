package serialapi

// Basic device types.
const (
	BasicTypeController       uint8 = 0x01
	BasicTypeStaticController uint8 = 0x02
	BasicTypeSlave            uint8 = 0x03
	BasicTypeRoutingSlave     uint8 = 0x04
)

// Generic device types.
const (
	GenericTypeGenericController  uint8 = 0x01
	GenericTypeStaticController   uint8 = 0x02
	GenericTypeDisplay            uint8 = 0x04
	GenericTypeNetworkExtender    uint8 = 0x05
	GenericTypeAppliance          uint8 = 0x06
	GenericTypeSensorNotification uint8 = 0x07
	GenericTypeThermostat         uint8 = 0x08
	GenericTypeWindowCovering     uint8 = 0x09
	GenericTypeRepeaterSlave      uint8 = 0x0F
	GenericTypeSwitchBinary       uint8 = 0x10
	GenericTypeSwitchMultiLevel   uint8 = 0x11
	GenericTypeSwitchRemote       uint8 = 0x12
	GenericTypeVentilation        uint8 = 0x16
	GenericTypeSecurityPanel      uint8 = 0x17
	GenericTypeWallController     uint8 = 0x18
	GenericTypeSensorBinary       uint8 = 0x20
	GenericTypeSensorMultiLevel   uint8 = 0x21
	GenericTypeMeter              uint8 = 0x31
	GenericTypeEntryControl       uint8 = 0x40
	GenericTypeSensorAlarm        uint8 = 0xA1
)

// IsController reports whether a basic type denotes a controller.
func (ni *NodeInfo) IsController() bool {
	return ni != nil && (ni.Basic == BasicTypeController || ni.Basic == BasicTypeStaticController)
}

// RequiresSecurity reports whether nodes of this generic class must be
// included securely when they only support S0.
func (ni *NodeInfo) RequiresSecurity() bool {
	if ni == nil {
		return false
	}
	switch ni.Generic {
	case GenericTypeEntryControl, GenericTypeSecurityPanel, GenericTypeStaticController, GenericTypeGenericController:
		return true
	}
	return false
}
