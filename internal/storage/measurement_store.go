package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/internal/model"
)

// MeasurementFilter 分析查询条件, 日期区间, 工作日与每日时段均在 SQL 中过滤
type MeasurementFilter struct {
	InstrumentID int64
	SensorID     *int64
	From         time.Time
	To           time.Time
	// StartTime/EndTime 距零点的时长
	StartTime time.Duration
	EndTime   time.Duration
	// TimeZone PostgreSQL 时区名, 用于计算星期与时刻; 为空时 SQL 只过滤日期区间
	TimeZone string
}

// FilterFor 由分析窗口与目标构造查询条件
func FilterFor(w analysis.Window, target analysis.Target) MeasurementFilter {
	from, to := w.Bounds()
	return MeasurementFilter{
		InstrumentID: target.InstrumentID,
		SensorID:     target.SensorID,
		From:         from,
		To:           to,
		StartTime:    w.StartTime,
		EndTime:      w.EndTime,
		TimeZone:     zoneName(w.Location),
	}
}

// zoneName 本地时区没有可传给 PostgreSQL 的名称, 返回空串
func zoneName(loc *time.Location) string {
	if loc == nil || loc == time.Local || loc.String() == "Local" {
		return ""
	}
	return loc.String()
}

// clockString 时长格式化为 PostgreSQL time 字面量
func clockString(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// certificateRow 证书表的扁平列
type certificateRow struct {
	ID                  int64     `db:"id"`
	Number              string    `db:"certificate_number"`
	CalibrationDate     time.Time `db:"calibration_date"`
	NextCalibrationDate time.Time `db:"next_calibration_date"`
	TempIndication1     float64   `db:"temp_indication_point_1"`
	TempCorrection1     float64   `db:"temp_correction_1"`
	TempIndication2     float64   `db:"temp_indication_point_2"`
	TempCorrection2     float64   `db:"temp_correction_2"`
	TempIndication3     float64   `db:"temp_indication_point_3"`
	TempCorrection3     float64   `db:"temp_correction_3"`
	HumIndication1      float64   `db:"humidity_indication_point_1"`
	HumCorrection1      float64   `db:"humidity_correction_1"`
	HumIndication2      float64   `db:"humidity_indication_point_2"`
	HumCorrection2      float64   `db:"humidity_correction_2"`
	HumIndication3      float64   `db:"humidity_indication_point_3"`
	HumCorrection3      float64   `db:"humidity_correction_3"`
	TempUncertainty     float64   `db:"temp_uncertainty"`
	HumUncertainty      float64   `db:"humidity_uncertainty"`
}

func toCertificateRow(c *calibration.Certificate) certificateRow {
	t, h := c.TemperaturePoints, c.HumidityPoints
	return certificateRow{
		ID:                  c.ID,
		Number:              c.Number,
		CalibrationDate:     c.CalibrationDate,
		NextCalibrationDate: c.NextCalibrationDate,
		TempIndication1:     t[0].Indication,
		TempCorrection1:     t[0].Correction,
		TempIndication2:     t[1].Indication,
		TempCorrection2:     t[1].Correction,
		TempIndication3:     t[2].Indication,
		TempCorrection3:     t[2].Correction,
		HumIndication1:      h[0].Indication,
		HumCorrection1:      h[0].Correction,
		HumIndication2:      h[1].Indication,
		HumCorrection2:      h[1].Correction,
		HumIndication3:      h[2].Indication,
		HumCorrection3:      h[2].Correction,
		TempUncertainty:     c.TemperatureUncertainty,
		HumUncertainty:      c.HumidityUncertainty,
	}
}

func (r certificateRow) certificate() *calibration.Certificate {
	return &calibration.Certificate{
		ID:                  r.ID,
		Number:              r.Number,
		CalibrationDate:     r.CalibrationDate,
		NextCalibrationDate: r.NextCalibrationDate,
		TemperaturePoints: [calibration.PointCount]calibration.Point{
			{Indication: r.TempIndication1, Correction: r.TempCorrection1},
			{Indication: r.TempIndication2, Correction: r.TempCorrection2},
			{Indication: r.TempIndication3, Correction: r.TempCorrection3},
		},
		HumidityPoints: [calibration.PointCount]calibration.Point{
			{Indication: r.HumIndication1, Correction: r.HumCorrection1},
			{Indication: r.HumIndication2, Correction: r.HumCorrection2},
			{Indication: r.HumIndication3, Correction: r.HumCorrection3},
		},
		TemperatureUncertainty: r.TempUncertainty,
		HumidityUncertainty:    r.HumUncertainty,
	}
}

const instrumentColumns = `id, ip_address, port, pn, sn, instrument_name, group_name, location,
	is_connected, last_connection_attempt, save_interval_minutes,
	min_temperature, max_temperature, min_humidity, max_humidity`

const sensorColumns = `id, instrument_id, channel, sensor_name, location, calibration_certificate_id,
	min_temperature, max_temperature, min_humidity, max_humidity`

const certificateColumns = `id, certificate_number, calibration_date, next_calibration_date,
	temp_indication_point_1, temp_correction_1, temp_indication_point_2, temp_correction_2,
	temp_indication_point_3, temp_correction_3,
	humidity_indication_point_1, humidity_correction_1, humidity_indication_point_2, humidity_correction_2,
	humidity_indication_point_3, humidity_correction_3,
	temp_uncertainty, humidity_uncertainty`

// MeasurementStore 仪器, 通道, 证书与样本的存取
type MeasurementStore struct {
	db *PostgresDB
}

func NewMeasurementStore(db *PostgresDB) *MeasurementStore {
	return &MeasurementStore{db: db}
}

// SaveMeasurement 追加一条样本
func (s *MeasurementStore) SaveMeasurement(ctx context.Context, m *model.Measurement) error {
	query := `
		INSERT INTO measurements (
			instrument_id, sensor_id, temperature, humidity,
			corrected_temperature, corrected_humidity, date, pn, sn
		)
		VALUES (:instrument_id, :sensor_id, :temperature, :humidity,
			:corrected_temperature, :corrected_humidity, :date, :pn, :sn)
		RETURNING id
	`
	q, args, err := sqlx.Named(query, m)
	if err != nil {
		return &PersistenceError{Op: "insert_measurement", Err: err}
	}
	q = s.db.DB().Rebind(q)

	if err := s.db.GetContext(ctx, "insert_measurement", &m.ID, q, args...); err != nil {
		return &PersistenceError{Op: "insert_measurement", Err: err}
	}
	return nil
}

// QueryMeasurements 按时间升序返回窗口内样本, 附带保存间隔与通道有效限值
func (s *MeasurementStore) QueryMeasurements(ctx context.Context, f MeasurementFilter) ([]analysis.Sample, error) {
	query := `
		SELECT
			m.date,
			m.corrected_temperature,
			m.corrected_humidity,
			i.save_interval_minutes,
			COALESCE(se.min_temperature, i.min_temperature) AS min_temperature,
			COALESCE(se.max_temperature, i.max_temperature) AS max_temperature,
			COALESCE(se.min_humidity, i.min_humidity) AS min_humidity,
			COALESCE(se.max_humidity, i.max_humidity) AS max_humidity
		FROM measurements m
		JOIN instruments i ON i.id = m.instrument_id
		LEFT JOIN sensors se ON se.id = m.sensor_id
		WHERE m.instrument_id = $1
		  AND ($2::BIGINT IS NULL OR m.sensor_id = $2)
		  AND m.date BETWEEN $3 AND $4
	`
	args := []any{f.InstrumentID, f.SensorID, f.From, f.To}

	// 工作日与每日时段, 时区未知时交给 Window.Contains
	if f.TimeZone != "" {
		query += `
		  AND EXTRACT(ISODOW FROM m.date AT TIME ZONE $7) BETWEEN 1 AND 5
		  AND (m.date AT TIME ZONE $7)::TIME BETWEEN $5::TIME AND $6::TIME
		`
		args = append(args, clockString(f.StartTime), clockString(f.EndTime), f.TimeZone)
	}
	query += ` ORDER BY m.date`

	var samples []analysis.Sample
	if err := s.db.SelectContext(ctx, "query_measurements", &samples, query, args...); err != nil {
		return nil, fmt.Errorf("查询样本失败: %w", err)
	}
	return samples, nil
}

// LoadSeries 为每个分析目标加载样本序列
func (s *MeasurementStore) LoadSeries(ctx context.Context, req *analysis.Request) (map[analysis.TargetKey][]analysis.Sample, error) {
	series := make(map[analysis.TargetKey][]analysis.Sample, len(req.Targets))
	for _, target := range req.Targets {
		samples, err := s.QueryMeasurements(ctx, FilterFor(req.Window, target))
		if err != nil {
			return nil, err
		}
		series[target.Key()] = samples
	}
	return series, nil
}

// CreateInstrument 按地址插入或更新仪器, 回填 ID
func (s *MeasurementStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	query := `
		INSERT INTO instruments (
			ip_address, port, pn, sn, instrument_name, group_name, location,
			is_connected, last_connection_attempt, save_interval_minutes,
			min_temperature, max_temperature, min_humidity, max_humidity
		)
		VALUES (:ip_address, :port, :pn, :sn, :instrument_name, :group_name, :location,
			:is_connected, :last_connection_attempt, :save_interval_minutes,
			:min_temperature, :max_temperature, :min_humidity, :max_humidity)
		ON CONFLICT (ip_address) DO UPDATE SET
			port = EXCLUDED.port,
			pn = EXCLUDED.pn,
			sn = EXCLUDED.sn,
			instrument_name = EXCLUDED.instrument_name,
			group_name = EXCLUDED.group_name,
			is_connected = EXCLUDED.is_connected,
			last_connection_attempt = EXCLUDED.last_connection_attempt,
			save_interval_minutes = EXCLUDED.save_interval_minutes
		RETURNING id
	`
	if inst.SaveIntervalMinutes <= 0 {
		inst.SaveIntervalMinutes = model.DefaultSaveIntervalMinutes
	}
	q, args, err := sqlx.Named(query, inst)
	if err != nil {
		return &PersistenceError{Op: "upsert_instrument", Err: err}
	}
	if err := s.db.GetContext(ctx, "upsert_instrument", &inst.ID, s.db.DB().Rebind(q), args...); err != nil {
		return &PersistenceError{Op: "upsert_instrument", Err: err}
	}
	return nil
}

func (s *MeasurementStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	var inst model.Instrument
	err := s.db.GetContext(ctx, "get_instrument", &inst,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "instrument", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("查询仪器失败: %w", err)
	}
	return &inst, nil
}

func (s *MeasurementStore) ListInstruments(ctx context.Context) ([]*model.Instrument, error) {
	var list []*model.Instrument
	err := s.db.SelectContext(ctx, "list_instruments", &list,
		`SELECT `+instrumentColumns+` FROM instruments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("查询仪器列表失败: %w", err)
	}
	return list, nil
}

// UpdateConnectionStatus 记录连接状态与尝试时间
func (s *MeasurementStore) UpdateConnectionStatus(ctx context.Context, id int64, connected bool, attempt time.Time) error {
	res, err := s.db.ExecContext(ctx, "update_connection",
		`UPDATE instruments SET is_connected = $2, last_connection_attempt = $3 WHERE id = $1`,
		id, connected, attempt)
	if err != nil {
		return &PersistenceError{Op: "update_connection", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Resource: "instrument", ID: id}
	}
	return nil
}

// DeleteInstrument 删除仪器, 先把型号与序列号写入其样本
func (s *MeasurementStore) DeleteInstrument(ctx context.Context, id int64) error {
	return s.db.InTx(ctx, "delete_instrument", func(tx *sqlx.Tx) error {
		var pn, sn string
		err := tx.QueryRowxContext(ctx, `SELECT pn, sn FROM instruments WHERE id = $1 FOR UPDATE`, id).Scan(&pn, &sn)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Resource: "instrument", ID: id}
		}
		if err != nil {
			return fmt.Errorf("查询仪器失败: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE measurements SET pn = $2, sn = $3 WHERE instrument_id = $1`, id, pn, sn); err != nil {
			return &PersistenceError{Op: "snapshot_measurements", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM instruments WHERE id = $1`, id); err != nil {
			return &PersistenceError{Op: "delete_instrument", Err: err}
		}
		return nil
	})
}

// ListSensors 仪器的通道, 按通道号排序
func (s *MeasurementStore) ListSensors(ctx context.Context, instrumentID int64) ([]*model.Sensor, error) {
	var list []*model.Sensor
	err := s.db.SelectContext(ctx, "list_sensors", &list,
		`SELECT `+sensorColumns+` FROM sensors WHERE instrument_id = $1 ORDER BY channel`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("查询通道失败: %w", err)
	}
	return list, nil
}

func (s *MeasurementStore) CreateSensor(ctx context.Context, sensor *model.Sensor) error {
	query := `
		INSERT INTO sensors (
			instrument_id, channel, sensor_name, location, calibration_certificate_id,
			min_temperature, max_temperature, min_humidity, max_humidity
		)
		VALUES (:instrument_id, :channel, :sensor_name, :location, :calibration_certificate_id,
			:min_temperature, :max_temperature, :min_humidity, :max_humidity)
		RETURNING id
	`
	q, args, err := sqlx.Named(query, sensor)
	if err != nil {
		return &PersistenceError{Op: "insert_sensor", Err: err}
	}
	if err := s.db.GetContext(ctx, "insert_sensor", &sensor.ID, s.db.DB().Rebind(q), args...); err != nil {
		return &PersistenceError{Op: "insert_sensor", Err: err}
	}
	return nil
}

// CreateCertificate 保存证书, 证书创建后不再修改
func (s *MeasurementStore) CreateCertificate(ctx context.Context, cert *calibration.Certificate) error {
	if err := cert.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO calibration_certificates (
			certificate_number, calibration_date, next_calibration_date,
			temp_indication_point_1, temp_correction_1, temp_indication_point_2, temp_correction_2,
			temp_indication_point_3, temp_correction_3,
			humidity_indication_point_1, humidity_correction_1, humidity_indication_point_2, humidity_correction_2,
			humidity_indication_point_3, humidity_correction_3,
			temp_uncertainty, humidity_uncertainty
		)
		VALUES (:certificate_number, :calibration_date, :next_calibration_date,
			:temp_indication_point_1, :temp_correction_1, :temp_indication_point_2, :temp_correction_2,
			:temp_indication_point_3, :temp_correction_3,
			:humidity_indication_point_1, :humidity_correction_1, :humidity_indication_point_2, :humidity_correction_2,
			:humidity_indication_point_3, :humidity_correction_3,
			:temp_uncertainty, :humidity_uncertainty)
		RETURNING id
	`
	q, args, err := sqlx.Named(query, toCertificateRow(cert))
	if err != nil {
		return &PersistenceError{Op: "insert_certificate", Err: err}
	}
	if err := s.db.GetContext(ctx, "insert_certificate", &cert.ID, s.db.DB().Rebind(q), args...); err != nil {
		return &PersistenceError{Op: "insert_certificate", Err: err}
	}
	return nil
}

func (s *MeasurementStore) GetCertificate(ctx context.Context, id int64) (*calibration.Certificate, error) {
	var row certificateRow
	err := s.db.GetContext(ctx, "get_certificate", &row,
		`SELECT `+certificateColumns+` FROM calibration_certificates WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "calibration_certificate", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("查询证书失败: %w", err)
	}
	return row.certificate(), nil
}

// CertificatesFor 通道引用的证书, 按证书 ID 索引
func (s *MeasurementStore) CertificatesFor(ctx context.Context, sensors []*model.Sensor) (map[int64]*calibration.Certificate, error) {
	var ids []int64
	for _, se := range sensors {
		if se.CertificateID != nil {
			ids = append(ids, *se.CertificateID)
		}
	}
	certs := make(map[int64]*calibration.Certificate, len(ids))
	if len(ids) == 0 {
		return certs, nil
	}

	var rows []certificateRow
	err := s.db.SelectContext(ctx, "list_certificates", &rows,
		`SELECT `+certificateColumns+` FROM calibration_certificates WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询证书失败: %w", err)
	}
	for _, r := range rows {
		certs[r.ID] = r.certificate()
	}
	return certs, nil
}

// DeleteCertificate 删除证书并清空通道引用
func (s *MeasurementStore) DeleteCertificate(ctx context.Context, id int64) error {
	return s.db.InTx(ctx, "delete_certificate", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sensors SET calibration_certificate_id = NULL WHERE calibration_certificate_id = $1`, id); err != nil {
			return &PersistenceError{Op: "unlink_certificate", Err: err}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM calibration_certificates WHERE id = $1`, id)
		if err != nil {
			return &PersistenceError{Op: "delete_certificate", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Resource: "calibration_certificate", ID: id}
		}
		return nil
	})
}

// InstrumentLabels 仪器 ID 到显示名
func (s *MeasurementStore) InstrumentLabels(ctx context.Context, ids []int64) (map[int64]string, error) {
	labels := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return labels, nil
	}

	var rows []struct {
		ID   int64  `db:"id"`
		Name string `db:"instrument_name"`
	}
	err := s.db.SelectContext(ctx, "instrument_labels", &rows,
		`SELECT id, instrument_name FROM instruments WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询仪器名称失败: %w", err)
	}
	for _, r := range rows {
		if r.Name != "" {
			labels[r.ID] = r.Name
		}
	}
	return labels, nil
}

// HealthCheck 数据库可用性
func (s *MeasurementStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}
