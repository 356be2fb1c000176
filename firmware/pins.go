//go:build tinygo

package main

import "machine"

const (
	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Highest scan rate the main loop keeps up with for two channels
	MAX_RATE_HZ = 5000

	// Error codes, same values as the host driver expects
	ERR_INVALID_CHANNEL = -200170
	ERR_INVALID_RANGE   = -200077
	ERR_INVALID_STATE   = -200479
	ERR_PROTOCOL        = -200361

	// Serial configuration
	// Two channel scan line: "4095,4095\n" = 10 bytes
	// 1000 scans/sec * 10 bytes = 10,000 bytes/sec, 100,000 baud with 8N1.
	// 115200 is enough for 1 kHz; faster rates need the native USB CDC port.
	UART_BAUD_RATE = 115200
)

// ANALOG_INPUTS maps Dev1/aiN to a pin.
var ANALOG_INPUTS = [...]machine.Pin{
	machine.A0,
	machine.A1,
	machine.A2,
	machine.A3,
}
