package cache

import (
	"strconv"
	"strings"
)

const fallbackExt = ".dat"

// imageExts 是会被保留到缓存文件名上的扩展名，其余一律使用 .dat。
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

// FileName 将 URL 映射为稳定的缓存文件名：djb2 哈希的十六进制 + 扩展名。
// 同一 URL 在任意进程中得到相同结果，重启后磁盘缓存依然可用。
func FileName(url string) string {
	return strconv.FormatUint(hashURL(url), 16) + extensionOf(url)
}

func hashURL(url string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(url); i++ {
		h = h*33 + uint64(url[i])
	}
	return h
}

// extensionOf 取 URL 最后一个 '.' 之后的后缀，仅允许白名单中的图片扩展名。
func extensionOf(url string) string {
	dot := strings.LastIndexByte(url, '.')
	if dot < 0 {
		return fallbackExt
	}
	ext := url[dot:]
	if _, ok := imageExts[ext]; ok {
		return ext
	}
	return fallbackExt
}
