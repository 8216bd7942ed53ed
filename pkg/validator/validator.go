package validator

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var validate = newValidate()

// Init 复用 gin 的校验引擎，使 handler 绑定与内部校验共享同一套规则
func Init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		registerCustom(v)
		validate = v
	}
}

func newValidate() *validator.Validate {
	v := validator.New()
	registerCustom(v)
	return v
}

func registerCustom(v *validator.Validate) {
	// solana_address: base58 编码的 32 字节公钥
	_ = v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
}

// Struct 校验结构体 tag
func Struct(s any) error {
	return validate.Struct(s)
}

// GetErrorMsg translates validation errors into user-friendly messages
func GetErrorMsg(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errMsgs []string
		for _, e := range validationErrors {
			field := e.Namespace()
			tag := e.Tag()
			param := e.Param()

			switch tag {
			case "required":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能为空", field))
			case "solana_address":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不是合法的 Solana 地址", field))
			case "base64":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不是合法的 base64", field))
			case "url":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不是合法的 URL", field))
			case "min":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 至少为 %s", field, param))
			case "max":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能超过 %s", field, param))
			case "oneof":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 必须是 [%s] 之一", field, param))
			default:
				errMsgs = append(errMsgs, fmt.Sprintf("%s 校验失败 (%s)", field, tag))
			}
		}
		return strings.Join(errMsgs, "; ")
	}
	if err != nil {
		return err.Error()
	}
	return "请求参数错误"
}
