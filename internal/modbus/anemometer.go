package modbus

// RegisterReader is the part of Transport the anemometer needs
type RegisterReader interface {
	ReadHoldingRegisters(slave byte, start, count uint16) ([]uint16, error)
}

const (
	windSpeedRegister = 0x0000
	windSpeedDivisor  = 10.0 // register holds tenths of m/s
)

// Anemometer reads wind speed from an RS-485 cup anemometer
type Anemometer struct {
	reader RegisterReader
	slave  byte
}

// NewAnemometer creates an anemometer bound to a slave address
func NewAnemometer(reader RegisterReader, slave byte) *Anemometer {
	return &Anemometer{reader: reader, slave: slave}
}

// Unit is the sensor's native unit
func (a *Anemometer) Unit() string {
	return "m/s"
}

// ReadWindSpeed returns the current wind speed in m/s
func (a *Anemometer) ReadWindSpeed() (float64, error) {
	values, err := a.reader.ReadHoldingRegisters(a.slave, windSpeedRegister, 1)
	if err != nil {
		return 0, err
	}
	return float64(values[0]) / windSpeedDivisor, nil
}
