// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

// BatteryState is the typed view of a battery signal
type BatteryState struct {
	Voltage     float64 // volts
	Current     float64 // amps
	Temperature int     // degrees C
	SoC         int     // percent
	SoH         int     // percent
	Valid       bool
}

// MotorState is the typed view of a motor controller signal
type MotorState struct {
	Speed                 int     // rpm
	Torque                float64 // Nm
	ControllerTemperature int     // degrees C
	MotorTemperature      int     // degrees C
	Valid                 bool
}

// BatteryFromSignal converts a battery signal; ok is false for other kinds
func BatteryFromSignal(s Signal) (BatteryState, bool) {
	if s.Kind != KindBattery {
		return BatteryState{}, false
	}
	get := func(name string) float64 { v, _ := s.Get(name); return v }
	return BatteryState{
		Voltage:     get(FieldVoltage),
		Current:     get(FieldCurrent),
		Temperature: int(get(FieldTemperature)),
		SoC:         int(get(FieldSoC)),
		SoH:         int(get(FieldSoH)),
		Valid:       s.Valid,
	}, true
}

// MotorFromSignal converts a motor controller signal; ok is false for other kinds
func MotorFromSignal(s Signal) (MotorState, bool) {
	if s.Kind != KindMotorController {
		return MotorState{}, false
	}
	get := func(name string) float64 { v, _ := s.Get(name); return v }
	return MotorState{
		Speed:                 int(get(FieldSpeed)),
		Torque:                get(FieldTorque),
		ControllerTemperature: int(get(FieldControllerTemperature)),
		MotorTemperature:      int(get(FieldMotorTemperature)),
		Valid:                 s.Valid,
	}, true
}
