package parquet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/protocol"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/goccy/go-json"
	pqgo "github.com/parquet-go/parquet-go"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
)

var patternRegex = regexp.MustCompile(`\{([^}]+)\}`)

// RawRow is the file layout without normalization: the row image as a JSON string
type RawRow struct {
	RowID            string    `parquet:"_tidemark_id"`
	Data             string    `parquet:"data"`
	OpType           string    `parquet:"_op_type"`
	LogPosition      string    `parquet:"_log_position"`
	CdcTimestamp     time.Time `parquet:"_cdc_timestamp,timestamp"`
	CaptureTimestamp time.Time `parquet:"_tidemark_timestamp,timestamp"`
}

type FileMetadata struct {
	fileName    string
	recordCount int
	writer      any
	parquetFile source.ParquetFile
}

// Parquet destination writes Parquet files to a local path and optionally uploads them to S3.
// Files are closed, and uploaded, on Flush.
type Parquet struct {
	config    *Config
	schemas   protocol.SchemaStore
	openFiles map[string]*FileMetadata // partition path -> file being written
	flattener typeutils.Flattener
	s3Client  *s3.S3
}

// GetConfigRef returns the config reference for the parquet writer.
func (p *Parquet) GetConfigRef() protocol.Config {
	p.config = &Config{}
	return p.config
}

// setup s3 client if credentials provided
func (p *Parquet) initS3Writer() error {
	if p.config.Bucket == "" || p.config.Region == "" {
		return nil
	}

	s3Config := aws.Config{
		Region: aws.String(p.config.Region),
	}
	if p.config.AccessKey != "" && p.config.SecretKey != "" {
		s3Config.Credentials = credentials.NewStaticCredentials(p.config.AccessKey, p.config.SecretKey, "")
	}
	sess, err := session.NewSession(&s3Config)
	if err != nil {
		return fmt.Errorf("failed to create AWS session: %s", err)
	}
	p.s3Client = s3.New(sess)

	return nil
}

// Setup configures local paths and the optional S3 client
func (p *Parquet) Setup(_ context.Context, schemas protocol.SchemaStore) error {
	p.schemas = schemas
	p.openFiles = make(map[string]*FileMetadata)
	p.flattener = typeutils.NewFlattener()

	// for s3 p.config.path may not be provided
	if p.config.Path == "" {
		p.config.Path = os.TempDir()
	}

	return p.initS3Writer()
}

func (p *Parquet) createPartitionFile(partitionPath string, schema *types.TableSchema) (*FileMetadata, error) {
	directoryPath := filepath.Join(p.config.Path, partitionPath)
	if err := os.MkdirAll(directoryPath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create directories[%s]: %s", directoryPath, err)
	}

	fileName := utils.TimestampedFileName(constants.ParquetFileExt)
	pqFile, err := local.NewLocalFileWriter(filepath.Join(directoryPath, fileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file writer: %s", err)
	}

	var writer any
	if p.config.Normalization {
		writer = pqgo.NewGenericWriter[any](pqFile, normalizedSchema(schema), pqgo.Compression(&pqgo.Snappy))
	} else {
		writer = pqgo.NewGenericWriter[RawRow](pqFile, pqgo.Compression(&pqgo.Snappy))
	}

	file := &FileMetadata{fileName: fileName, parquetFile: pqFile, writer: writer}
	p.openFiles[partitionPath] = file
	return file, nil
}

// normalizedSchema holds the flattened table columns and the capture metadata columns
func normalizedSchema(schema *types.TableSchema) *pqgo.Schema {
	group := pqgo.Group{}
	for _, column := range schema.Columns {
		group[typeutils.Reformat(column.Name)] = column.Type.ToNewParquet()
	}
	group[constants.RowID] = types.String.ToNewParquet()
	group[constants.OpType] = types.String.ToNewParquet()
	group[constants.LogPosition] = types.String.ToNewParquet()
	group[constants.CdcTimestamp] = types.Timestamp.ToNewParquet()
	group[constants.CaptureTimestamp] = types.Timestamp.ToNewParquet()
	return pqgo.NewSchema(schema.Table.Name, group)
}

// Write appends every row event to the open file of its partition
func (p *Parquet) Write(_ context.Context, events []*types.ChangeEvent) error {
	for _, event := range events {
		schema, found := p.schemas.Lookup(event.Table)
		if !found {
			return fmt.Errorf("no schema registered for table[%s]", event.Table)
		}

		captured := time.Now().UTC()
		image := event.Image()
		partitionPath := p.partitionPath(event.Table, image, captured)
		file, exists := p.openFiles[partitionPath]
		if !exists {
			var err error
			if file, err = p.createPartitionFile(partitionPath, schema); err != nil {
				return fmt.Errorf("failed to create partition file: %s", err)
			}
		}

		if err := p.writeRow(file, event, image, captured); err != nil {
			return fmt.Errorf("failed to write in parquet file: %s", err)
		}
		file.recordCount++
	}
	return nil
}

func (p *Parquet) writeRow(file *FileMetadata, event *types.ChangeEvent, image types.Record, captured time.Time) error {
	if p.config.Normalization {
		flattened, err := p.flattener.Flatten(image)
		if err != nil {
			return err
		}
		row := make(map[string]any, len(flattened)+5)
		for key, value := range flattened {
			row[key] = value
		}
		row[constants.RowID] = event.RowID
		row[constants.OpType] = string(event.Operation)
		row[constants.LogPosition] = event.Position.String()
		row[constants.CdcTimestamp] = event.Timestamp
		row[constants.CaptureTimestamp] = captured
		_, err = file.writer.(*pqgo.GenericWriter[any]).Write([]any{row})
		return err
	}

	data, err := json.Marshal(image)
	if err != nil {
		return err
	}
	_, err = file.writer.(*pqgo.GenericWriter[RawRow]).Write([]RawRow{{
		RowID:            event.RowID,
		Data:             string(data),
		OpType:           string(event.Operation),
		LogPosition:      event.Position.String(),
		CdcTimestamp:     event.Timestamp,
		CaptureTimestamp: captured,
	}})
	return err
}

// Check validates local paths and S3 credentials if applicable.
func (p *Parquet) Check(_ context.Context) error {
	// check for s3 writer configuration
	err := p.initS3Writer()
	if err != nil {
		return err
	}
	// test for s3 permissions
	if p.s3Client != nil {
		testKey := fmt.Sprintf("tidemark_writer_test/%s", utils.TimestampedFileName("txt"))
		// Try to upload a small test file
		_, err = p.s3Client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(testKey),
			Body:   strings.NewReader("S3 write test"),
		})
		if err != nil {
			return fmt.Errorf("failed to write test file to S3: %s", err)
		}
		p.config.Path = os.TempDir()
		logger.Info("s3 writer configuration found")
	} else if p.config.Path != "" {
		logger.Infof("local writer configuration found, writing at location[%s]", p.config.Path)
	} else {
		return fmt.Errorf("invalid configuration found")
	}

	// Create the directory if it doesn't exist
	if err := os.MkdirAll(p.config.Path, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create path: %s", err)
	}

	// Test directory writability
	tempFile, err := os.CreateTemp(p.config.Path, "temporary-*.txt")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s", err)
	}
	tempFile.Close()
	os.Remove(tempFile.Name())
	return nil
}

// Flush closes every open file and uploads it when S3 is configured.
// The next Write starts new files.
func (p *Parquet) Flush(_ context.Context) error {
	removeLocalFile := func(filePath, reason string, recordCount int) {
		err := os.Remove(filePath)
		if err != nil {
			logger.Warnf("Failed to delete file [%s] with %d records (%s): %s", filePath, recordCount, reason, err)
			return
		}
		logger.Debugf("Deleted file [%s] with %d records (%s).", filePath, recordCount, reason)
	}

	for partitionPath, file := range p.openFiles {
		filePath := filepath.Join(p.config.Path, partitionPath, file.fileName)

		var err error
		if p.config.Normalization {
			err = file.writer.(*pqgo.GenericWriter[any]).Close()
		} else {
			err = file.writer.(*pqgo.GenericWriter[RawRow]).Close()
		}
		if err != nil {
			return fmt.Errorf("failed to close writer: %s", err)
		}
		if err := file.parquetFile.Close(); err != nil {
			return fmt.Errorf("failed to close file: %s", err)
		}
		delete(p.openFiles, partitionPath)

		if file.recordCount == 0 {
			removeLocalFile(filePath, "no records written", file.recordCount)
			continue
		}
		logger.Infof("Finished writing file [%s] with %d records.", filePath, file.recordCount)

		if p.s3Client != nil {
			if err := p.upload(filePath, partitionPath, file); err != nil {
				return err
			}
			removeLocalFile(filePath, "uploaded to S3", file.recordCount)
		}
	}
	return nil
}

func (p *Parquet) upload(filePath, partitionPath string, file *FileMetadata) error {
	localFile, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open local file for S3 upload: %s", err)
	}
	defer localFile.Close()

	keyPath := partitionPath
	if p.config.Prefix != "" {
		keyPath = filepath.Join(p.config.Prefix, partitionPath)
	}
	s3KeyPath := filepath.Join(keyPath, file.fileName)

	_, err = p.s3Client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(s3KeyPath),
		Body:   localFile,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to S3 (bucket: %s, path: %s): %s", p.config.Bucket, s3KeyPath, err)
	}
	logger.Infof("Successfully uploaded file to S3: s3://%s/%s", p.config.Bucket, s3KeyPath)
	return nil
}

func (p *Parquet) Close() error {
	return p.Flush(context.Background())
}

// Type returns the type of the writer.
func (p *Parquet) Type() string {
	return string(types.Parquet)
}

// partitionPath resolves the partition pattern of table against the row values.
// A pattern block is {column, 'fallback', granularity}; now() stands for the capture time.
func (p *Parquet) partitionPath(table types.TableID, values types.Record, captured time.Time) string {
	basePath := filepath.Join(table.Namespace, table.Name)
	pattern := p.config.PartitionRegex[table.ID()]
	if pattern == "" {
		return basePath
	}

	result := patternRegex.ReplaceAllStringFunc(pattern, func(match string) string {
		regexVarBlock := strings.Split(strings.Trim(match, "{}"), ",")
		for len(regexVarBlock) < 3 {
			regexVarBlock = append(regexVarBlock, "")
		}

		colName := strings.TrimSpace(strings.Trim(strings.TrimSpace(regexVarBlock[0]), `'`))
		defaultValue := strings.TrimSpace(strings.Trim(strings.TrimSpace(regexVarBlock[1]), `'`))
		granularity := strings.TrimSpace(strings.Trim(strings.TrimSpace(regexVarBlock[2]), `'`))

		if defaultValue == "" {
			defaultValue = fmt.Sprintf("default_%s", colName)
		}
		if colName == "now()" {
			return granularityValue(captured, granularity)
		}
		value, exists := values[colName]
		if exists && value != nil {
			return granularityValue(value, granularity)
		}
		return defaultValue
	})

	return filepath.Join(basePath, strings.TrimSuffix(result, "/"))
}

func granularityValue(value any, granularity string) string {
	if granularity == "" {
		return fmt.Sprintf("%v", value)
	}

	timestampInterface, err := typeutils.ReformatValue(types.Timestamp, value)
	if err != nil {
		logger.Debugf("Failed to convert value to timestamp: %s", err)
		return fmt.Sprintf("%v", value)
	}
	timestamp, converted := timestampInterface.(time.Time)
	if !converted {
		return fmt.Sprintf("%v", value)
	}

	timestamp = timestamp.UTC()
	switch granularity {
	case "HH":
		return fmt.Sprintf("%02d", timestamp.Hour())
	case "DD":
		return fmt.Sprintf("%02d", timestamp.Day())
	case "WW":
		_, week := timestamp.ISOWeek()
		return fmt.Sprintf("%02d", week)
	case "MM":
		return fmt.Sprintf("%02d", int(timestamp.Month()))
	case "YYYY":
		return fmt.Sprintf("%d", timestamp.Year())
	}
	return fmt.Sprintf("%v", value)
}

func init() {
	protocol.RegisteredWriters[types.Parquet] = func() protocol.Writer {
		return new(Parquet)
	}
}
