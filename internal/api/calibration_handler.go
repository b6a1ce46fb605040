package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/internal/model"
	"thermohygrometer-server/pkg/protocol"
)

const dateLayout = "2006-01-02"

// Decimal 接受 JSON 数值或字符串, 字符串允许逗号小数点 ("0,15")
type Decimal string

func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = Decimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("数值无效: %s", data)
	}
	*d = Decimal(n.String())
	return nil
}

// CertificateRequest 创建校准证书请求体
type CertificateRequest struct {
	Number              string  `json:"certificate_number"`
	CalibrationDate     string  `json:"calibration_date"`
	NextCalibrationDate string  `json:"next_calibration_date"`
	TempIndication1     Decimal `json:"temp_indication_point_1"`
	TempCorrection1     Decimal `json:"temp_correction_1"`
	TempIndication2     Decimal `json:"temp_indication_point_2"`
	TempCorrection2     Decimal `json:"temp_correction_2"`
	TempIndication3     Decimal `json:"temp_indication_point_3"`
	TempCorrection3     Decimal `json:"temp_correction_3"`
	HumidityIndication1 Decimal `json:"humidity_indication_point_1"`
	HumidityCorrection1 Decimal `json:"humidity_correction_1"`
	HumidityIndication2 Decimal `json:"humidity_indication_point_2"`
	HumidityCorrection2 Decimal `json:"humidity_correction_2"`
	HumidityIndication3 Decimal `json:"humidity_indication_point_3"`
	HumidityCorrection3 Decimal `json:"humidity_correction_3"`
	TempUncertainty     Decimal `json:"temp_uncertainty"`
	HumidityUncertainty Decimal `json:"humidity_uncertainty"`
}

// certificate 解析为校准证书, 字段错误返回 InputError
func (b CertificateRequest) certificate(loc *time.Location) (*calibration.Certificate, error) {
	cert := &calibration.Certificate{Number: b.Number}

	var err error
	if cert.CalibrationDate, err = time.ParseInLocation(dateLayout, b.CalibrationDate, loc); err != nil {
		return nil, &analysis.InputError{Field: "calibration_date", Value: b.CalibrationDate, Err: err}
	}
	if cert.NextCalibrationDate, err = time.ParseInLocation(dateLayout, b.NextCalibrationDate, loc); err != nil {
		return nil, &analysis.InputError{Field: "next_calibration_date", Value: b.NextCalibrationDate, Err: err}
	}

	temp := [calibration.PointCount][2]Decimal{
		{b.TempIndication1, b.TempCorrection1},
		{b.TempIndication2, b.TempCorrection2},
		{b.TempIndication3, b.TempCorrection3},
	}
	hum := [calibration.PointCount][2]Decimal{
		{b.HumidityIndication1, b.HumidityCorrection1},
		{b.HumidityIndication2, b.HumidityCorrection2},
		{b.HumidityIndication3, b.HumidityCorrection3},
	}
	for i := 0; i < calibration.PointCount; i++ {
		if cert.TemperaturePoints[i], err = calibration.NewPoint(string(temp[i][0]), string(temp[i][1])); err != nil {
			return nil, &analysis.InputError{Field: fmt.Sprintf("temp_point_%d", i+1), Value: string(temp[i][0]), Err: err}
		}
		if cert.HumidityPoints[i], err = calibration.NewPoint(string(hum[i][0]), string(hum[i][1])); err != nil {
			return nil, &analysis.InputError{Field: fmt.Sprintf("humidity_point_%d", i+1), Value: string(hum[i][0]), Err: err}
		}
	}

	if cert.TemperatureUncertainty, err = calibration.ParseDecimal(string(b.TempUncertainty)); err != nil {
		return nil, &analysis.InputError{Field: "temp_uncertainty", Value: string(b.TempUncertainty), Err: err}
	}
	if cert.HumidityUncertainty, err = calibration.ParseDecimal(string(b.HumidityUncertainty)); err != nil {
		return nil, &analysis.InputError{Field: "humidity_uncertainty", Value: string(b.HumidityUncertainty), Err: err}
	}

	if err := cert.Validate(); err != nil {
		return nil, &analysis.InputError{Field: "certificate", Value: b.Number, Err: err}
	}
	return cert, nil
}

// SensorRequest 为仪器添加通道的请求体
type SensorRequest struct {
	Channel       int    `json:"channel"`
	Name          string `json:"sensor_name"`
	Location      string `json:"location"`
	CertificateID *int64 `json:"calibration_certificate_id"`
	model.Limits
}

// CreateCertificate POST /certificates
func (h *Handler) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	var body CertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, r, &analysis.InputError{Field: "body", Err: err})
		return
	}
	cert, err := body.certificate(h.loc)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.store.CreateCertificate(r.Context(), cert); err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, cert, http.StatusCreated)
}

// GetCertificate GET /certificates/{id}
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	cert, err := h.store.GetCertificate(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, cert, http.StatusOK)
}

// DeleteCertificate DELETE /certificates/{id}
//
// 引用该证书的通道变为未校准, 通道本身保留.
func (h *Handler) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.store.DeleteCertificate(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSensors GET /instruments/{id}/sensors
func (h *Handler) ListSensors(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if _, err := h.store.GetInstrument(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}
	sensors, err := h.store.ListSensors(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if sensors == nil {
		sensors = []*model.Sensor{}
	}
	h.sendJSON(w, sensors, http.StatusOK)
}

// CreateSensor POST /instruments/{id}/sensors
//
// 运行中的会话在下次重连时加载新通道.
func (h *Handler) CreateSensor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	var body SensorRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, r, &analysis.InputError{Field: "body", Err: err})
		return
	}
	if body.Channel != protocol.ChannelOne && body.Channel != protocol.ChannelTwo {
		h.sendError(w, r, &analysis.InputError{Field: "channel", Value: strconv.Itoa(body.Channel), Err: errors.New("通道只能为 1 或 2")})
		return
	}

	if _, err := h.store.GetInstrument(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}
	existing, err := h.store.ListSensors(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	for _, s := range existing {
		if s.Channel == body.Channel {
			h.sendError(w, r, &analysis.InputError{Field: "channel", Value: strconv.Itoa(body.Channel), Err: errors.New("该通道已被使用")})
			return
		}
	}
	if body.CertificateID != nil {
		if _, err := h.store.GetCertificate(r.Context(), *body.CertificateID); err != nil {
			h.sendError(w, r, err)
			return
		}
	}

	sensor := &model.Sensor{
		InstrumentID:  id,
		Channel:       body.Channel,
		Name:          body.Name,
		Location:      body.Location,
		CertificateID: body.CertificateID,
		Limits:        body.Limits,
	}
	if err := h.store.CreateSensor(r.Context(), sensor); err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, sensor, http.StatusCreated)
}
