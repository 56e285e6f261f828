package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// 成就徽章上传限制
const (
	MimeImage        = "image/"
	MaxIconSizeBytes = 2 << 20
)

var AllowedIconExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}
