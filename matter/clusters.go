// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import "fmt"

// ClusterID identifies a Matter cluster.
type ClusterID uint32

// AttributeID identifies an attribute within a cluster.
type AttributeID uint32

// DeviceTypeID identifies a Matter device type.
type DeviceTypeID uint32

// VendorID identifies a Matter vendor.
type VendorID uint16

// ProductID identifies a product within a vendor.
type ProductID uint16

// EndpointNumber is the wire-visible endpoint index within a node. The root
// endpoint is always 0.
type EndpointNumber uint16

// Clusters the supervisor knows about. IDs follow the Matter application
// cluster specification.
const (
	ClusterIdentify                      ClusterID = 0x0003
	ClusterOnOff                         ClusterID = 0x0006
	ClusterLevelControl                  ClusterID = 0x0008
	ClusterDescriptor                    ClusterID = 0x001D
	ClusterBasicInformation              ClusterID = 0x0028
	ClusterBridgedDeviceBasicInformation ClusterID = 0x0039
	ClusterAdministratorCommissioning    ClusterID = 0x003C
	ClusterBooleanState                  ClusterID = 0x0045
	ClusterModeSelect                    ClusterID = 0x0050
	ClusterRvcRunMode                    ClusterID = 0x0054
	ClusterRvcCleanMode                  ClusterID = 0x0055
	ClusterAirQuality                    ClusterID = 0x005B
	ClusterSmokeCoAlarm                  ClusterID = 0x005C
	ClusterRvcOperationalState           ClusterID = 0x0061
	ClusterDoorLock                      ClusterID = 0x0101
	ClusterWindowCovering                ClusterID = 0x0102
	ClusterServiceArea                   ClusterID = 0x0150
	ClusterThermostat                    ClusterID = 0x0201
	ClusterFanControl                    ClusterID = 0x0202
	ClusterColorControl                  ClusterID = 0x0300
	ClusterIlluminanceMeasurement        ClusterID = 0x0400
	ClusterTemperatureMeasurement        ClusterID = 0x0402
	ClusterPressureMeasurement           ClusterID = 0x0403
	ClusterFlowMeasurement               ClusterID = 0x0404
	ClusterRelativeHumidityMeasurement   ClusterID = 0x0405
	ClusterOccupancySensing              ClusterID = 0x0406
	ClusterTvocMeasurement               ClusterID = 0x042E
)

// Attributes referenced by the supervisor. Only the ones the change fan-out
// and the node surfaces care about are listed.
const (
	AttributeOnOff                   AttributeID = 0x0000
	AttributeCurrentLevel            AttributeID = 0x0000
	AttributeCurrentHue              AttributeID = 0x0000
	AttributeCurrentSaturation       AttributeID = 0x0001
	AttributeColorTemperature        AttributeID = 0x0007
	AttributeColorMode               AttributeID = 0x0008
	AttributeLocalTemperature        AttributeID = 0x0000
	AttributeSystemMode              AttributeID = 0x001C
	AttributeOccupiedHeatingSetpoint AttributeID = 0x0012
	AttributeOccupiedCoolingSetpoint AttributeID = 0x0011
	AttributeLiftPosition            AttributeID = 0x000E
	AttributeTargetLiftPosition      AttributeID = 0x000B
	AttributeOperationalStatus       AttributeID = 0x000A
	AttributeLockState               AttributeID = 0x0000
	AttributeFanMode                 AttributeID = 0x0000
	AttributePercentCurrent          AttributeID = 0x0003
	AttributeStateValue              AttributeID = 0x0000
	AttributeOccupancy               AttributeID = 0x0000
	AttributeMeasuredValue           AttributeID = 0x0000
	AttributeAirQuality              AttributeID = 0x0000
	AttributeSmokeState              AttributeID = 0x0001
	AttributeCoState                 AttributeID = 0x0002
	AttributeCurrentModeSelect       AttributeID = 0x0003
	AttributeCurrentMode             AttributeID = 0x0001
	AttributeSelectedAreas           AttributeID = 0x0002
	AttributeCurrentArea             AttributeID = 0x0003
	AttributeOperationalState        AttributeID = 0x0004
	AttributeReachable               AttributeID = 0x0011
	AttributeNodeLabel               AttributeID = 0x0005
	AttributeWindowStatus            AttributeID = 0x0000
)

// Device types referenced by the supervisor.
const (
	DeviceTypeRootNode            DeviceTypeID = 0x0016
	DeviceTypeAggregator          DeviceTypeID = 0x000E
	DeviceTypeBridgedNode         DeviceTypeID = 0x0013
	DeviceTypeOnOffLight          DeviceTypeID = 0x0100
	DeviceTypeDimmableLight       DeviceTypeID = 0x0101
	DeviceTypeColorTempLight      DeviceTypeID = 0x010C
	DeviceTypeExtendedColorLight  DeviceTypeID = 0x010D
	DeviceTypeOnOffSwitch         DeviceTypeID = 0x0103
	DeviceTypeMountedOnOffControl DeviceTypeID = 0x010F
	DeviceTypeOnOffPlugInUnit     DeviceTypeID = 0x010A
	DeviceTypeContactSensor       DeviceTypeID = 0x0015
	DeviceTypeLightSensor         DeviceTypeID = 0x0106
	DeviceTypeOccupancySensor     DeviceTypeID = 0x0107
	DeviceTypeTemperatureSensor   DeviceTypeID = 0x0302
	DeviceTypePressureSensor      DeviceTypeID = 0x0305
	DeviceTypeFlowSensor          DeviceTypeID = 0x0306
	DeviceTypeHumiditySensor      DeviceTypeID = 0x0307
	DeviceTypeAirQualitySensor    DeviceTypeID = 0x002C
	DeviceTypeSmokeCoAlarm        DeviceTypeID = 0x0076
	DeviceTypeThermostat          DeviceTypeID = 0x0301
	DeviceTypeFan                 DeviceTypeID = 0x002B
	DeviceTypeDoorLock            DeviceTypeID = 0x000A
	DeviceTypeWindowCovering      DeviceTypeID = 0x0202
	DeviceTypeRoboticVacuum       DeviceTypeID = 0x0074
	DeviceTypeModeSelect          DeviceTypeID = 0x0027
)

var clusterNames = map[ClusterID]string{
	ClusterIdentify:                      "identify",
	ClusterOnOff:                         "onOff",
	ClusterLevelControl:                  "levelControl",
	ClusterDescriptor:                    "descriptor",
	ClusterBasicInformation:              "basicInformation",
	ClusterAdministratorCommissioning:    "administratorCommissioning",
	ClusterBridgedDeviceBasicInformation: "bridgedDeviceBasicInformation",
	ClusterBooleanState:                  "booleanState",
	ClusterModeSelect:                    "modeSelect",
	ClusterRvcRunMode:                    "rvcRunMode",
	ClusterRvcCleanMode:                  "rvcCleanMode",
	ClusterAirQuality:                    "airQuality",
	ClusterSmokeCoAlarm:                  "smokeCoAlarm",
	ClusterRvcOperationalState:           "rvcOperationalState",
	ClusterDoorLock:                      "doorLock",
	ClusterWindowCovering:                "windowCovering",
	ClusterServiceArea:                   "serviceArea",
	ClusterThermostat:                    "thermostat",
	ClusterFanControl:                    "fanControl",
	ClusterColorControl:                  "colorControl",
	ClusterIlluminanceMeasurement:        "illuminanceMeasurement",
	ClusterTemperatureMeasurement:        "temperatureMeasurement",
	ClusterPressureMeasurement:           "pressureMeasurement",
	ClusterFlowMeasurement:               "flowMeasurement",
	ClusterRelativeHumidityMeasurement:   "relativeHumidityMeasurement",
	ClusterOccupancySensing:              "occupancySensing",
	ClusterTvocMeasurement:               "totalVolatileOrganicCompoundsConcentrationMeasurement",
}

// ClusterName returns the lowerCamel name controllers and the frontend use
// for a cluster, or its hex form when unknown.
func ClusterName(id ClusterID) string {
	if name, ok := clusterNames[id]; ok {
		return name
	}
	return hexName(uint32(id))
}

type clusterAttribute struct {
	cluster   ClusterID
	attribute AttributeID
}

var attributeNames = map[clusterAttribute]string{
	{ClusterOnOff, AttributeOnOff}:                            "onOff",
	{ClusterLevelControl, AttributeCurrentLevel}:              "currentLevel",
	{ClusterColorControl, AttributeCurrentHue}:                "currentHue",
	{ClusterColorControl, AttributeCurrentSaturation}:         "currentSaturation",
	{ClusterColorControl, AttributeColorTemperature}:          "colorTemperatureMireds",
	{ClusterColorControl, AttributeColorMode}:                 "colorMode",
	{ClusterThermostat, AttributeLocalTemperature}:            "localTemperature",
	{ClusterThermostat, AttributeSystemMode}:                  "systemMode",
	{ClusterThermostat, AttributeOccupiedHeatingSetpoint}:     "occupiedHeatingSetpoint",
	{ClusterThermostat, AttributeOccupiedCoolingSetpoint}:     "occupiedCoolingSetpoint",
	{ClusterWindowCovering, AttributeLiftPosition}:            "currentPositionLiftPercent100ths",
	{ClusterWindowCovering, AttributeTargetLiftPosition}:      "targetPositionLiftPercent100ths",
	{ClusterWindowCovering, AttributeOperationalStatus}:       "operationalStatus",
	{ClusterDoorLock, AttributeLockState}:                     "lockState",
	{ClusterFanControl, AttributeFanMode}:                     "fanMode",
	{ClusterFanControl, AttributePercentCurrent}:              "percentCurrent",
	{ClusterBooleanState, AttributeStateValue}:                "stateValue",
	{ClusterOccupancySensing, AttributeOccupancy}:             "occupancy",
	{ClusterIlluminanceMeasurement, AttributeMeasuredValue}:   "measuredValue",
	{ClusterTemperatureMeasurement, AttributeMeasuredValue}:   "measuredValue",
	{ClusterPressureMeasurement, AttributeMeasuredValue}:      "measuredValue",
	{ClusterFlowMeasurement, AttributeMeasuredValue}:          "measuredValue",
	{ClusterRelativeHumidityMeasurement, AttributeMeasuredValue}: "measuredValue",
	{ClusterTvocMeasurement, AttributeMeasuredValue}:          "measuredValue",
	{ClusterAirQuality, AttributeAirQuality}:                  "airQuality",
	{ClusterSmokeCoAlarm, AttributeSmokeState}:                "smokeState",
	{ClusterSmokeCoAlarm, AttributeCoState}:                   "coState",
	{ClusterModeSelect, AttributeCurrentModeSelect}:           "currentMode",
	{ClusterRvcRunMode, AttributeCurrentMode}:                 "currentMode",
	{ClusterRvcCleanMode, AttributeCurrentMode}:               "currentMode",
	{ClusterServiceArea, AttributeSelectedAreas}:              "selectedAreas",
	{ClusterServiceArea, AttributeCurrentArea}:                "currentArea",
	{ClusterRvcOperationalState, AttributeOperationalState}:   "operationalState",
	{ClusterBasicInformation, AttributeReachable}:             "reachable",
	{ClusterBridgedDeviceBasicInformation, AttributeReachable}: "reachable",
	{ClusterBridgedDeviceBasicInformation, AttributeNodeLabel}: "nodeLabel",
	{ClusterAdministratorCommissioning, AttributeWindowStatus}: "windowStatus",
}

// AttributeName returns the lowerCamel attribute name within its cluster, or
// the hex form when unknown.
func AttributeName(cluster ClusterID, attribute AttributeID) string {
	if name, ok := attributeNames[clusterAttribute{cluster, attribute}]; ok {
		return name
	}
	return hexName(uint32(attribute))
}

func hexName(v uint32) string {
	return fmt.Sprintf("0x%04x", v)
}

// defaultClusters lists the attribute servers installed for each known device
// type. Endpoints built for a device type expose these plus whatever the
// plugin adds explicitly.
var defaultClusters = map[DeviceTypeID]map[ClusterID][]AttributeID{
	DeviceTypeRootNode: {
		ClusterDescriptor:                 nil,
		ClusterBasicInformation:           {AttributeReachable, AttributeNodeLabel},
		ClusterAdministratorCommissioning: {AttributeWindowStatus},
	},
	DeviceTypeAggregator: {
		ClusterDescriptor: nil,
	},
	DeviceTypeOnOffLight: {
		ClusterOnOff: {AttributeOnOff},
	},
	DeviceTypeDimmableLight: {
		ClusterOnOff:        {AttributeOnOff},
		ClusterLevelControl: {AttributeCurrentLevel},
	},
	DeviceTypeColorTempLight: {
		ClusterOnOff:        {AttributeOnOff},
		ClusterLevelControl: {AttributeCurrentLevel},
		ClusterColorControl: {AttributeColorTemperature, AttributeColorMode},
	},
	DeviceTypeExtendedColorLight: {
		ClusterOnOff:        {AttributeOnOff},
		ClusterLevelControl: {AttributeCurrentLevel},
		ClusterColorControl: {AttributeCurrentHue, AttributeCurrentSaturation, AttributeColorTemperature, AttributeColorMode},
	},
	DeviceTypeOnOffSwitch: {
		ClusterOnOff: {AttributeOnOff},
	},
	DeviceTypeMountedOnOffControl: {
		ClusterOnOff: {AttributeOnOff},
	},
	DeviceTypeOnOffPlugInUnit: {
		ClusterOnOff: {AttributeOnOff},
	},
	DeviceTypeContactSensor: {
		ClusterBooleanState: {AttributeStateValue},
	},
	DeviceTypeLightSensor: {
		ClusterIlluminanceMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypeOccupancySensor: {
		ClusterOccupancySensing: {AttributeOccupancy},
	},
	DeviceTypeTemperatureSensor: {
		ClusterTemperatureMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypePressureSensor: {
		ClusterPressureMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypeFlowSensor: {
		ClusterFlowMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypeHumiditySensor: {
		ClusterRelativeHumidityMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypeAirQualitySensor: {
		ClusterAirQuality:      {AttributeAirQuality},
		ClusterTvocMeasurement: {AttributeMeasuredValue},
	},
	DeviceTypeSmokeCoAlarm: {
		ClusterSmokeCoAlarm: {AttributeSmokeState, AttributeCoState},
	},
	DeviceTypeThermostat: {
		ClusterThermostat: {AttributeLocalTemperature, AttributeSystemMode, AttributeOccupiedHeatingSetpoint, AttributeOccupiedCoolingSetpoint},
	},
	DeviceTypeFan: {
		ClusterFanControl: {AttributeFanMode, AttributePercentCurrent},
	},
	DeviceTypeDoorLock: {
		ClusterDoorLock: {AttributeLockState},
	},
	DeviceTypeWindowCovering: {
		ClusterWindowCovering: {AttributeLiftPosition, AttributeTargetLiftPosition, AttributeOperationalStatus},
	},
	DeviceTypeRoboticVacuum: {
		ClusterRvcRunMode:          {AttributeCurrentMode},
		ClusterRvcCleanMode:        {AttributeCurrentMode},
		ClusterRvcOperationalState: {AttributeOperationalState},
		ClusterServiceArea:         {AttributeSelectedAreas, AttributeCurrentArea},
	},
	DeviceTypeModeSelect: {
		ClusterModeSelect: {AttributeCurrentModeSelect},
	},
}

// DefaultClusters returns the attribute servers a device type carries by
// default. The returned map is a fresh copy the caller may extend.
func DefaultClusters(dt DeviceTypeID) map[ClusterID][]AttributeID {
	src, ok := defaultClusters[dt]
	if !ok {
		return map[ClusterID][]AttributeID{}
	}
	out := make(map[ClusterID][]AttributeID, len(src))
	for cluster, attrs := range src {
		out[cluster] = append([]AttributeID(nil), attrs...)
	}
	return out
}
