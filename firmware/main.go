//go:build tinygo

//go:generate tinygo flash -target=xiao

// Command firmware turns a microcontroller into a small two channel DAQ that
// speaks the bridge protocol of pkg/daq over its USB serial port.
package main

import (
	"machine"
	"strconv"
	"strings"
	"time"
)

var (
	uart = machine.UART0

	adcs [len(ANALOG_INPUTS)]machine.ADC

	// Task state
	channels   []int // Indexes into adcs, in scan order
	interval   time.Duration
	remaining  int
	configured bool
	running    bool
	nextScan   time.Time

	// Serial buffer for reading lines
	lineBuffer [128]byte
	linePos    int
)

func main() {
	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	for i, pin := range ANALOG_INPUTS {
		pin.Configure(machine.PinConfig{Mode: machine.PinInput})
		adcs[i] = machine.ADC{Pin: pin}
		adcs[i].Configure(adcConfig)
	}

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	for {
		processSerial()

		if running && !time.Now().Before(nextScan) {
			scan()
			nextScan = nextScan.Add(interval)
		}
	}
}

// scan prints one line of 12-bit counts, one per channel.
func scan() {
	for i, ch := range channels {
		if i > 0 {
			print(",")
		}
		print(adcs[ch].Get() >> (16 - ADC_RESOLUTION))
	}
	print("\n")

	remaining--
	if remaining == 0 {
		running = false
		print("END\n")
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if linePos > 0 {
				handle(string(lineBuffer[:linePos]))
			}
			linePos = 0
			continue
		}

		if linePos < len(lineBuffer) {
			lineBuffer[linePos] = data
			linePos++
		} else {
			// Overlong line, drop it
			linePos = 0
		}
	}
}

func handle(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "CHAN":
		handleChan(fields[1:])
	case "CLK":
		handleClk(fields[1:])
	case "START":
		if !configured || len(channels) == 0 {
			reply(ERR_INVALID_STATE, "task not configured")
			return
		}
		reply(0, "")
		running = true
		nextScan = time.Now()
	case "STOP":
		running = false
		configured = false
		channels = channels[:0]
		reply(0, "")
	default:
		reply(ERR_PROTOCOL, "unknown command "+fields[0])
	}
}

// handleChan accepts "Dev1/ai1,Dev1/ai3 <min> <max>".
func handleChan(args []string) {
	if running {
		reply(ERR_INVALID_STATE, "task is running")
		return
	}
	if len(args) != 3 {
		reply(ERR_PROTOCOL, "usage: CHAN <names> <min> <max>")
		return
	}

	names := strings.Split(args[0], ",")
	list := make([]int, 0, len(names))
	for _, name := range names {
		_, ch, _ := strings.Cut(name, "/")
		n, err := strconv.Atoi(strings.TrimPrefix(ch, "ai"))
		if !strings.HasPrefix(ch, "ai") || err != nil || n < 0 || n >= len(adcs) {
			reply(ERR_INVALID_CHANNEL, "physical channel "+name+" does not exist")
			return
		}
		list = append(list, n)
	}

	min, err1 := strconv.ParseFloat(args[1], 64)
	max, err2 := strconv.ParseFloat(args[2], 64)
	if err1 != nil || err2 != nil || min >= max {
		reply(ERR_INVALID_RANGE, "invalid voltage range")
		return
	}

	channels = list
	reply(0, "")
}

// handleClk accepts "<rate> RISING|FALLING FINITE <n>".
func handleClk(args []string) {
	if running {
		reply(ERR_INVALID_STATE, "task is running")
		return
	}
	if len(channels) == 0 {
		reply(ERR_INVALID_STATE, "no channels in task")
		return
	}
	if len(args) != 4 || args[2] != "FINITE" {
		reply(ERR_PROTOCOL, "usage: CLK <rate> <edge> FINITE <n>")
		return
	}

	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || rate <= 0 || rate > MAX_RATE_HZ {
		reply(ERR_INVALID_RANGE, "sampling rate out of range")
		return
	}
	n, err := strconv.Atoi(args[3])
	if err != nil || n <= 0 {
		reply(ERR_INVALID_RANGE, "sample count must be positive")
		return
	}

	interval = time.Duration(float64(time.Second) / rate)
	remaining = n
	configured = true
	reply(0, "")
}

func reply(code int, text string) {
	if code == 0 {
		print("OK\n")
		return
	}
	print("ERR ")
	print(code)
	print(" ")
	print(text)
	print("\n")
}
