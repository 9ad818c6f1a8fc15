// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"errors"
	"fmt"

	vk "github.com/devblok/vulkan"
)

// DefaultApplicationInfo describes the streaming tools to the Vulkan loader.
var DefaultApplicationInfo = &vk.ApplicationInfo{
	SType:              vk.StructureTypeApplicationInfo,
	ApiVersion:         vk.MakeVersion(1, 0, 0),
	ApplicationVersion: vk.MakeVersion(1, 0, 0),
	PApplicationName:   safeString("Koru3D stream"),
	PEngineName:        safeString("Koru3D"),
}

// DeviceConfiguration selects how a headless device is opened.
type DeviceConfiguration struct {
	// DebugMode loads the validation layers.
	DebugMode bool

	// PhysicalDevice is the index of the physical device to use.
	PhysicalDevice int
}

// Device is a headless logical device with one graphics queue.
type Device struct {
	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	logicalDevice  vk.Device
	queue          vk.Queue
	queueIndex     uint32
	name           string
}

// OpenDevice creates an instance without surface extensions and a
// logical device on the configured physical device.
func OpenDevice(appInfo *vk.ApplicationInfo, cfg DeviceConfiguration) (*Device, error) {
	var layers, extensions []string
	if cfg.DebugMode {
		layers = append(layers, "VK_LAYER_LUNARG_standard_validation")
		extensions = append(extensions, "VK_EXT_debug_report")
	}

	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, errors.New("vk.InstanceProcAddr(): " + err.Error())
	}
	if err := vk.Init(); err != nil {
		return nil, errors.New("vk.Init(): " + err.Error())
	}

	instanceInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}

	var instance vk.Instance
	if err := vk.Error(vk.CreateInstance(&instanceInfo, nil, &instance)); err != nil {
		return nil, errors.New("vk.CreateInstance(): " + err.Error())
	}
	vk.InitInstance(instance)

	physicalDevices, err := enumerateDevices(instance)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	if cfg.PhysicalDevice < 0 || cfg.PhysicalDevice >= len(physicalDevices) {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("vkr: physical device %d not found, %d available", cfg.PhysicalDevice, len(physicalDevices))
	}
	physicalDevice := physicalDevices[cfg.PhysicalDevice]

	queueIndex, err := graphicsQueueFamily(physicalDevice)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: queueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1},
	}}
	dci := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueInfos)),
		PQueueCreateInfos:    queueInfos,
	}

	var logicalDevice vk.Device
	if err := vk.Error(vk.CreateDevice(physicalDevice, &dci, nil, &logicalDevice)); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, errors.New("vk.CreateDevice(): " + err.Error())
	}

	var queue vk.Queue
	vk.GetDeviceQueue(logicalDevice, queueIndex, 0, &queue)

	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(physicalDevice, &properties)
	properties.Deref()

	return &Device{
		instance:       instance,
		physicalDevice: physicalDevice,
		logicalDevice:  logicalDevice,
		queue:          queue,
		queueIndex:     queueIndex,
		name:           vk.ToString(properties.DeviceName[:]),
	}, nil
}

func enumerateDevices(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var deviceCount uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, nil)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	availableDevices := make([]vk.PhysicalDevice, deviceCount)
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, availableDevices)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	return availableDevices, nil
}

func graphicsQueueFamily(device vk.PhysicalDevice) (uint32, error) {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	if queueFamilyCount == 0 {
		return 0, errors.New("vk.GetPhysicalDeviceQueueFamilyProperties(): no queuefamilies on GPU")
	}
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	for idx := uint32(0); idx < queueFamilyCount; idx++ {
		queueFamilies[idx].Deref()
		if queueFamilies[idx].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return idx, nil
		}
	}
	return 0, errors.New("vulkan error: could not find a graphics queue family")
}

// Name returns the physical device name.
func (d *Device) Name() string {
	return d.name
}

// Logical returns the logical device handle.
func (d *Device) Logical() vk.Device {
	return d.logicalDevice
}

// Physical returns the physical device handle.
func (d *Device) Physical() vk.PhysicalDevice {
	return d.physicalDevice
}

// QueueFamily returns the index of the graphics queue family in use.
func (d *Device) QueueFamily() uint32 {
	return d.queueIndex
}

// Backend creates a stream backend on the device.
func (d *Device) Backend(opts BackendOptions) (*Backend, error) {
	return NewBackend(d.logicalDevice, d.physicalDevice, opts)
}

// Destroy waits for the device to go idle and destroys it with the instance.
func (d *Device) Destroy() {
	if d == nil {
		return
	}
	vk.DeviceWaitIdle(d.logicalDevice)
	vk.DestroyDevice(d.logicalDevice, nil)
	vk.DestroyInstance(d.instance, nil)
}

func safeString(s string) string {
	return fmt.Sprintf("%s\x00", s)
}

func safeStrings(sgs []string) []string {
	safe := []string{}
	for _, s := range sgs {
		safe = append(safe, fmt.Sprintf("%s\x00", s))
	}
	return safe
}
