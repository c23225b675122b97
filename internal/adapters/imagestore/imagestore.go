// Package imagestore は従業員の参照画像を保存する biometric.ImageStore の実装を提供します。
package imagestore

import (
	"fmt"
	"strconv"
)

// URLBuilder は画像配信エンドポイントの URL を組み立てます。
type URLBuilder struct {
	BaseURL string
}

// URLFor は従業員の参照画像を取得できる URL を返します。
func (b URLBuilder) URLFor(employeeID int64) string {
	return fmt.Sprintf("%s/api/v1/employees/%d/image", b.BaseURL, employeeID)
}

func objectName(employeeID int64) string {
	return strconv.FormatInt(employeeID, 10) + ".img"
}
