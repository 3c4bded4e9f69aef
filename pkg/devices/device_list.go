package devices

import (
	"fmt"
	"io"

	"github.com/gen2brain/malgo"
)

// DeviceInfo 设备信息
type DeviceInfo struct {
	ID      malgo.DeviceID
	Name    string
	Formats []malgo.DataFormat
	Error   string
}

// ListDevices 列出指定类型（malgo.Capture / malgo.Playback）的设备
func ListDevices(ctx *malgo.AllocatedContext, deviceType malgo.DeviceType) ([]DeviceInfo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is nil")
	}

	infos, err := ctx.Devices(deviceType)
	if err != nil {
		return nil, fmt.Errorf("获取设备列表失败: %w", err)
	}

	result := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		deviceInfo := DeviceInfo{
			ID:   info.ID,
			Name: info.Name(),
		}
		full, err := ctx.DeviceInfo(deviceType, info.ID, malgo.Shared)
		if err != nil {
			deviceInfo.Error = err.Error()
		} else {
			deviceInfo.Formats = full.Formats
		}
		result = append(result, deviceInfo)
	}
	return result, nil
}

// PrintDevices 输出采集和播放设备
func PrintDevices(w io.Writer, ctx *malgo.AllocatedContext) error {
	sections := []struct {
		title      string
		deviceType malgo.DeviceType
	}{
		{"Capture Devices:", malgo.Capture},
		{"Playback Devices:", malgo.Playback},
	}
	for _, section := range sections {
		devices, err := ListDevices(ctx, section.deviceType)
		if err != nil {
			return err
		}
		writeDevices(w, section.title, devices)
	}
	return nil
}

func writeDevices(w io.Writer, title string, devices []DeviceInfo) {
	fmt.Fprintln(w, title)
	for i, device := range devices {
		status := "ok"
		if device.Error != "" {
			status = device.Error
		}
		fmt.Fprintf(w, "    %d: %s, [%s], formats: %d\n", i, device.Name, status, len(device.Formats))
	}
}
