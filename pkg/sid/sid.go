package sid

import (
	"errors"
	"os"

	"github.com/sony/sonyflake"
)

type Sid struct {
	sf *sonyflake.Sonyflake
}

func NewSid() *Sid {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		// no private IPv4 address to derive the machine id from
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) { return uint16(os.Getpid()), nil },
		})
	}
	if sf == nil {
		panic("sonyflake not created")
	}
	return &Sid{sf}
}

func (s Sid) GenString() (string, error) {
	id, err := s.sf.NextID()
	if err != nil {
		return "", errors.Join(errors.New("failed to generate sonyflake ID"), err)
	}
	return IntToBase62(id), nil
}

func (s Sid) GenUint64() (uint64, error) {
	return s.sf.NextID()
}
