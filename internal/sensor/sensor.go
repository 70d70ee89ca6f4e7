// Package sensor produces readings for the ingestion loop. The
// simulated source models a Sense HAT: environment values drift around
// room-condition baselines and the IMU axes are gaussian noise, while
// host identity and system metrics are sampled for real.
package sensor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/record"
)

// Source yields one reading per call. Implementations are driven from
// a single goroutine by the ingestion loop.
type Source interface {
	Read(ctx context.Context) (record.Reading, error)
}

type identity struct {
	hostname string
	ip       string
	mac      string
}

// Simulated is a Source producing synthetic Sense HAT readings plus
// real host identity and system metrics.
type Simulated struct {
	id     identity
	sys    *SystemSampler
	logger *zap.Logger
	count  int
	now    func() time.Time
}

// NewSimulated captures host identity once and returns a ready source.
func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{
		id:     captureIdentity(),
		sys:    NewSystemSampler(logger),
		logger: logger,
		now:    time.Now,
	}
}

func captureIdentity() identity {
	id := identity{
		hostname: "localhost",
		ip:       "127.0.0.1",
		mac:      "00:00:00:00:00:00",
	}
	if name, err := os.Hostname(); err == nil {
		id.hostname = name
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return id
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 && id.mac == "00:00:00:00:00:00" {
			id.mac = iface.HardwareAddr.String()
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			id.ip = ipNet.IP.String()
			return id
		}
	}
	return id
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int64(v*scale+0.5*sign(v))) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Read produces the next simulated reading.
func (s *Simulated) Read(ctx context.Context) (record.Reading, error) {
	if err := ctx.Err(); err != nil {
		return record.Reading{}, err
	}

	s.count++
	now := s.now().UTC()
	stamp := now.Format("20060102150405")
	sys := s.sys.Sample()

	return record.Reading{
		UUID:       fmt.Sprintf("sensehat_%s_%s_%d", s.id.hostname, stamp, s.count),
		RowID:      stamp + "_" + uuid.NewString(),
		Hostname:   s.id.hostname,
		IPAddress:  s.id.ip,
		MACAddress: s.id.mac,
		TS:         now.Unix(),
		Datetime:   now.Format(time.RFC3339),
		SystemTime: now.Format("01/02/2006 15:04:05"),

		Temperature: round(22.0+rand.NormFloat64()*2, 2),
		Humidity:    round(clamp(45.0+rand.NormFloat64()*5, 0, 100), 2),
		Pressure:    round(1013.25+rand.NormFloat64()*5, 2),

		Pitch: round(rand.Float64()*10-5, 2),
		Roll:  round(rand.Float64()*10-5, 2),
		Yaw:   round(rand.Float64()*360, 2),

		AccelX: round(rand.NormFloat64()*0.1, 4),
		AccelY: round(rand.NormFloat64()*0.1, 4),
		AccelZ: round(1.0+rand.NormFloat64()*0.05, 4),

		GyroX: round(rand.NormFloat64(), 4),
		GyroY: round(rand.NormFloat64(), 4),
		GyroZ: round(rand.NormFloat64(), 4),

		MagX: round(20+rand.NormFloat64()*5, 4),
		MagY: round(-10+rand.NormFloat64()*5, 4),
		MagZ: round(-50+rand.NormFloat64()*10, 4),

		Compass: round(rand.Float64()*360, 2),

		CPUPercent:    round(sys.CPUPercent, 1),
		MemoryPercent: round(sys.MemoryPercent, 1),
		DiskUsageMB:   round(sys.DiskUsageMB, 1),
		CPUTempC:      round(sys.CPUTempC, 1),
		CPUTempF:      round(sys.CPUTempF, 1),

		Simulated: true,
	}, nil
}
