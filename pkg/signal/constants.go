// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

// Built-in message identifiers (standard frames)
const (
	BatteryID         uint32 = 0x120
	MotorControllerID uint32 = 0x300
)

// Built-in signal kinds
const (
	KindBattery         = "battery"
	KindMotorController = "motorController"
)

// Field names of the built-in kinds
const (
	FieldVoltage     = "voltage"
	FieldCurrent     = "current"
	FieldTemperature = "temperature"
	FieldSoC         = "soc"
	FieldSoH         = "soh"

	FieldSpeed                 = "speed"
	FieldTorque                = "torque"
	FieldControllerTemperature = "controllerTemperature"
	FieldMotorTemperature      = "motorTemperature"
)

func limit(v float64) *float64 { return &v }

// DefaultMessages is the built-in layout for the battery pack and the
// motor controller.
func DefaultMessages() []MessageSpec {
	return []MessageSpec{
		{
			ID:    BatteryID,
			Frame: FrameStandard,
			Kind:  KindBattery,
			Fields: []FieldSpec{
				{Name: FieldVoltage, Offset: 0, Size: 2, Scale: 0.1, Type: TypeFloat},
				{Name: FieldCurrent, Offset: 2, Size: 2, Scale: 0.1, Type: TypeFloat},
				{Name: FieldTemperature, Offset: 4, Size: 1, Type: TypeInt},
				{Name: FieldSoC, Offset: 6, Size: 1, Type: TypeInt, Max: limit(100)},
				{Name: FieldSoH, Offset: 7, Size: 1, Type: TypeInt, Max: limit(100)},
			},
		},
		{
			ID:    MotorControllerID,
			Frame: FrameStandard,
			Kind:  KindMotorController,
			Fields: []FieldSpec{
				{Name: FieldSpeed, Offset: 0, Size: 2, Type: TypeInt},
				{Name: FieldTorque, Offset: 2, Size: 2, Scale: 0.1, Type: TypeFloat},
				{Name: FieldControllerTemperature, Offset: 6, Size: 1, Bias: -40, Type: TypeInt},
				{Name: FieldMotorTemperature, Offset: 7, Size: 1, Bias: -40, Type: TypeInt},
			},
		},
	}
}

// DefaultTable returns the built-in decoding table
func DefaultTable() *Table {
	t, err := NewTable(DefaultMessages())
	if err != nil {
		panic(err)
	}
	return t
}
