// Package record defines the flat reading schema streamed to the pipe
// and its NDJSON encoding.
package record

import (
	"bytes"
	"encoding/json"
)

// Reading is one sensor sample. Field names match the target table
// columns; every value is a JSON scalar. Readings are immutable once
// produced.
type Reading struct {
	UUID       string `json:"uuid"`
	RowID      string `json:"rowid"`
	Hostname   string `json:"hostname"`
	IPAddress  string `json:"ipaddress"`
	MACAddress string `json:"macaddress"`
	TS         int64  `json:"ts"`
	Datetime   string `json:"datetimestamp"`
	SystemTime string `json:"systemtime"`

	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`

	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`

	AccelX float64 `json:"accel_x"`
	AccelY float64 `json:"accel_y"`
	AccelZ float64 `json:"accel_z"`

	GyroX float64 `json:"gyro_x"`
	GyroY float64 `json:"gyro_y"`
	GyroZ float64 `json:"gyro_z"`

	MagX float64 `json:"mag_x"`
	MagY float64 `json:"mag_y"`
	MagZ float64 `json:"mag_z"`

	Compass float64 `json:"compass"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsageMB   float64 `json:"disk_usage_mb"`
	CPUTempC      float64 `json:"cputempc"`
	CPUTempF      float64 `json:"cputempf"`

	Simulated bool `json:"simulated"`
}

// EncodeNDJSON serializes readings as newline-delimited JSON: one
// compact object per line, joined by '\n', no trailing newline.
func EncodeNDJSON(readings []Reading) ([]byte, error) {
	var buf bytes.Buffer
	for i, r := range readings {
		if i > 0 {
			buf.WriteByte('\n')
		}
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}
