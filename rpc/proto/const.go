package proto

const (
	ProtoVersion = 2

	ProtoHeaderSize = 8
	MsgHeaderSize   = 22
	AdminHeaderSize = 16

	// MaxProtoSize is the largest accepted payload
	MaxProtoSize = 128 << 20

	// CompressThreshold is the request size above which compression is used
	CompressThreshold = 128
)

// message types
const (
	TypeInfo       uint8 = 1
	TypeAdmin      uint8 = 2
	TypeMessage    uint8 = 3
	TypeCompressed uint8 = 4
)

// info1
const (
	Info1Read             uint8 = 1
	Info1GetAll           uint8 = 2
	Info1ShortQuery       uint8 = 4
	Info1Batch            uint8 = 8
	Info1NoBinData        uint8 = 32
	Info1CompressResponse uint8 = 128
)

// info2
const (
	Info2Write         uint8 = 1
	Info2Delete        uint8 = 2
	Info2Generation    uint8 = 4
	Info2DurableDelete uint8 = 16
	Info2CreateOnly    uint8 = 32
	Info2RespondAllOps uint8 = 128
)

// info3
const (
	Info3Last            uint8 = 1
	Info3CommitMaster    uint8 = 2
	Info3PartitionDone   uint8 = 4
	Info3UpdateOnly      uint8 = 8
	Info3CreateOrReplace uint8 = 16
	Info3ReplaceOnly     uint8 = 32
	Info3SCReadType      uint8 = 64
	Info3SCReadRelax     uint8 = 128
)

// info4
const (
	Info4MRTVerifyRead    uint8 = 1
	Info4MRTRollForward   uint8 = 2
	Info4MRTRollBack      uint8 = 4
	Info4MRTOnLockingOnly uint8 = 16
)

// field types
const (
	FieldNamespace     uint8 = 0
	FieldSet           uint8 = 1
	FieldKey           uint8 = 2
	FieldRecordVersion uint8 = 3
	FieldDigest        uint8 = 4
	FieldMRTID         uint8 = 5
	FieldMRTDeadline   uint8 = 6
	FieldTaskID        uint8 = 7
	FieldSocketTimeout uint8 = 9
	FieldPIDArray      uint8 = 11
	FieldDigestArray   uint8 = 12
	FieldMaxRecords    uint8 = 13
	FieldIndexRange    uint8 = 22
	FieldBatchIndex    uint8 = 41
	FieldFilterExp     uint8 = 43
)

// particle types
const (
	ParticleNull    uint8 = 0
	ParticleInteger uint8 = 1
	ParticleFloat   uint8 = 2
	ParticleString  uint8 = 3
	ParticleBlob    uint8 = 4
)

// batch row flags
const (
	BatchMsgRepeat uint8 = 0x1
	BatchMsgInfo   uint8 = 0x2
	BatchMsgGen    uint8 = 0x4
	BatchMsgTTL    uint8 = 0x8
	BatchMsgInfo4  uint8 = 0x10

	BatchFlagAllowInline    uint8 = 0x1
	BatchFlagRespondAllKeys uint8 = 0x4
)

// admin commands and fields
const (
	AdminAuthenticate uint8 = 0
	AdminLogin        uint8 = 20

	AdminFieldUser          uint8 = 0
	AdminFieldClearPassword uint8 = 4
	AdminFieldSessionToken  uint8 = 5
	AdminFieldSessionTTL    uint8 = 6
)

// RecordVersionSize is the size of a record version field
const RecordVersionSize = 7
